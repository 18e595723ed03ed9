// Package ledger предоставляет клиент внешнего леджера для переводов и выпуска активов.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"
)

var (
	// ErrTransferRejected возвращается, когда леджер отклонил перевод.
	ErrTransferRejected = errors.New("transfer rejected by ledger")
	// ErrConfirmationTimeout возвращается, если перевод не подтвердился в отведённый срок.
	ErrConfirmationTimeout = errors.New("timed out awaiting transfer confirmation")
)

// Client инкапсулирует HTTP-взаимодействие с внешним леджером.
// Транспорт повторяет временные сбои; неидемпотентные операции защищены
// ключом идемпотентности на стороне леджера.
type Client struct {
	baseURL    string
	httpClient *http.Client

	pollInterval time.Duration
}

type transferRequest struct {
	RecipientRef   string          `json:"recipient_ref"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type transferResponse struct {
	Handle string `json:"handle"`
	Status string `json:"status"`
	TxRef  string `json:"tx_ref,omitempty"`
}

type balanceResponse struct {
	Balance decimal.Decimal `json:"balance"`
}

type issueRequest struct {
	RecipientRef   string          `json:"recipient_ref"`
	MilestoneID    string          `json:"milestone_id,omitempty"`
	Amount         decimal.Decimal `json:"amount,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type issueResponse struct {
	TokenRef string `json:"token_ref"`
}

// NewClient создаёт клиент леджера по указанному адресу.
func NewClient(baseURL string) *Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 200 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.Logger = nil

	httpClient := retryClient.StandardClient()
	httpClient.Timeout = 10 * time.Second

	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   httpClient,
		pollInterval: 500 * time.Millisecond,
	}
}

func (c *Client) url(path string) string {
	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return base + path
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("ledger client not configured")
	}

	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}

// SubmitTransfer отправляет перевод и возвращает дескриптор ожидающей операции.
// Ключ идемпотентности защищает от двойного перевода при повторе запроса.
func (c *Client) SubmitTransfer(ctx context.Context, recipientRef string, amount decimal.Decimal, idempotencyKey string) (string, error) {
	var resp transferResponse
	err := c.postJSON(ctx, "/api/transfers", transferRequest{
		RecipientRef:   recipientRef,
		Amount:         amount,
		IdempotencyKey: idempotencyKey,
	}, &resp)
	if err != nil {
		return "", err
	}

	if resp.Handle == "" {
		return "", fmt.Errorf("ledger returned empty transfer handle")
	}

	return resp.Handle, nil
}

// AwaitConfirmation ожидает подтверждения перевода не дольше указанного срока
// и возвращает ссылку на подтверждённую транзакцию.
func (c *Client) AwaitConfirmation(ctx context.Context, handle string, timeout time.Duration) (string, error) {
	if c == nil || c.baseURL == "" {
		return "", fmt.Errorf("ledger client not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		status, txRef, err := c.getTransfer(ctx, handle)
		if err != nil {
			if ctx.Err() != nil {
				return "", ErrConfirmationTimeout
			}
			return "", err
		}

		switch status {
		case "CONFIRMED":
			if txRef == "" {
				return "", fmt.Errorf("ledger confirmed transfer without tx ref")
			}
			return txRef, nil
		case "REJECTED":
			return "", ErrTransferRejected
		}

		select {
		case <-ctx.Done():
			return "", ErrConfirmationTimeout
		case <-ticker.C:
		}
	}
}

func (c *Client) getTransfer(ctx context.Context, handle string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/api/transfers/"+handle), nil)
	if err != nil {
		return "", "", fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var tr transferResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", "", fmt.Errorf("decode response: %w", err)
	}

	return tr.Status, tr.TxRef, nil
}

// GetBalance возвращает баланс указанного счёта.
func (c *Client) GetBalance(ctx context.Context, accountRef string) (decimal.Decimal, error) {
	if c == nil || c.baseURL == "" {
		return decimal.Zero, fmt.Errorf("ledger client not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/api/accounts/"+accountRef+"/balance"), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var br balanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&br); err != nil {
		return decimal.Zero, fmt.Errorf("decode response: %w", err)
	}

	return br.Balance, nil
}

// IssueBadge выпускает непередаваемую запись о достижении для студента.
// Идентификатор этапа служит ключом идемпотентности: на повторный запрос
// леджер возвращает уже выпущенный значок.
func (c *Client) IssueBadge(ctx context.Context, recipientRef, milestoneID string) (string, error) {
	var resp issueResponse
	err := c.postJSON(ctx, "/api/badges", issueRequest{
		RecipientRef:   recipientRef,
		MilestoneID:    milestoneID,
		IdempotencyKey: milestoneID,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.TokenRef, nil
}

// IssueCredit выпускает взаимозаменяемый импакт-кредит донору. Ключ
// идемпотентности защищает от двойной эмиссии при повторе запроса.
func (c *Client) IssueCredit(ctx context.Context, recipientRef string, amount decimal.Decimal, idempotencyKey string) (string, error) {
	var resp issueResponse
	err := c.postJSON(ctx, "/api/credits", issueRequest{
		RecipientRef:   recipientRef,
		Amount:         amount,
		IdempotencyKey: idempotencyKey,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.TokenRef, nil
}
