// Package verifier предоставляет шлюз к внешнему оракулу проверки доказательств.
package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Client инкапсулирует HTTP-взаимодействие с оракулом проверки.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// ReviewResult описывает ответ оракула по одной заявке на проверку.
type ReviewResult struct {
	ReviewID    string   `json:"review_id"`
	Status      string   `json:"status"`
	RiskScore   int      `json:"risk_score"`
	Confidence  int      `json:"confidence"`
	ReasonCodes []string `json:"reason_codes,omitempty"`
}

type reviewRequest struct {
	MilestoneID string `json:"milestone_id"`
	EvidenceRef string `json:"evidence_ref"`
}

// NewClient создаёт HTTP-клиент для обращения к оракулу по указанному адресу.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

func (c *Client) url(path string) string {
	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return base + path
}

// SubmitForReview отправляет доказательства на проверку. Оракул может ответить
// готовым вердиктом (200) либо принять заявку в обработку (202).
func (c *Client) SubmitForReview(ctx context.Context, milestoneID, evidenceRef string) (*ReviewResult, int, error) {
	if c == nil || c.baseURL == "" {
		return nil, 0, fmt.Errorf("verifier client not configured")
	}

	payload, err := json.Marshal(reviewRequest{
		MilestoneID: milestoneID,
		EvidenceRef: evidenceRef,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/api/reviews"), bytes.NewReader(payload))
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, resp.StatusCode, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result ReviewResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}

	return &result, resp.StatusCode, nil
}

// GetReview запрашивает состояние заявки на проверку по её идентификатору.
func (c *Client) GetReview(ctx context.Context, reviewID string) (*ReviewResult, int, time.Duration, error) {
	if c == nil || c.baseURL == "" {
		return nil, 0, 0, fmt.Errorf("verifier client not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/api/reviews/"+reviewID), nil)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, resp.StatusCode, retryAfter, nil
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, resp.StatusCode, 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result ReviewResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, resp.StatusCode, 0, fmt.Errorf("decode response: %w", err)
	}

	return &result, resp.StatusCode, 0, nil
}
