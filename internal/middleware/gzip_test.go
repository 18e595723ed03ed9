package middleware

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func echoHandler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func TestGzipMiddleware(t *testing.T) {
	tests := []struct {
		name            string
		body            string
		acceptEncoding  string
		compressRequest bool
		wantEncoding    string
	}{
		{
			name:           "plain client gets plain response",
			body:           `{"recipient_ref":"acct:student-1"}`,
			acceptEncoding: "",
			wantEncoding:   "",
		},
		{
			name:           "gzip client gets compressed response",
			body:           `{"amount":"250.00","source_ref":"acct:donor-1"}`,
			acceptEncoding: "gzip",
			wantEncoding:   "gzip",
		},
		{
			name:            "compressed request body is decoded",
			body:            `{"evidence_ref":"doc://transcript-2026"}`,
			acceptEncoding:  "gzip",
			compressRequest: true,
			wantEncoding:    "gzip",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var reqBody io.Reader = strings.NewReader(tt.body)
			if tt.compressRequest {
				var buf bytes.Buffer
				gz := gzip.NewWriter(&buf)
				if _, err := gz.Write([]byte(tt.body)); err != nil {
					t.Fatalf("write gzip: %v", err)
				}
				if err := gz.Close(); err != nil {
					t.Fatalf("close gzip: %v", err)
				}
				reqBody = &buf
			}

			req := httptest.NewRequest(http.MethodPost, "/api/scholarships", reqBody)
			req.Header.Set("Accept-Encoding", tt.acceptEncoding)
			if tt.compressRequest {
				req.Header.Set("Content-Encoding", "gzip")
			}

			w := httptest.NewRecorder()
			GzipMiddleware(http.HandlerFunc(echoHandler)).ServeHTTP(w, req)

			res := w.Result()
			defer res.Body.Close()

			if res.StatusCode != http.StatusOK {
				t.Fatalf("status = %d, want 200", res.StatusCode)
			}
			if ce := res.Header.Get("Content-Encoding"); ce != tt.wantEncoding {
				t.Fatalf("content-encoding = %q, want %q", ce, tt.wantEncoding)
			}

			var body []byte
			if res.Header.Get("Content-Encoding") == "gzip" {
				gr, err := gzip.NewReader(res.Body)
				if err != nil {
					t.Fatalf("new gzip reader: %v", err)
				}
				defer gr.Close()
				body, _ = io.ReadAll(gr)
			} else {
				body, _ = io.ReadAll(res.Body)
			}

			if string(body) != tt.body {
				t.Fatalf("body = %q, want %q", string(body), tt.body)
			}
		})
	}
}

func TestGzipMiddleware_BadCompressedBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/scholarships", strings.NewReader("not gzip"))
	req.Header.Set("Content-Encoding", "gzip")

	w := httptest.NewRecorder()
	GzipMiddleware(http.HandlerFunc(echoHandler)).ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}
