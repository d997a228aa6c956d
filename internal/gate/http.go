package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Rajchodisetti/tradegate/internal/observ"
)

const maxRetriesCap = 3

// HTTPConfig configures the remote evaluator client.
type HTTPConfig struct {
	URL         string
	MaxRetries  int
	BackoffBase time.Duration
	// MinConfidence turns an approval reported below this confidence into a
	// rejection. Zero disables the check.
	MinConfidence float64
}

// HTTPEvaluator posts proposals to a remote approval service.
type HTTPEvaluator struct {
	cfg    HTTPConfig
	client *http.Client
}

func NewHTTPEvaluator(cfg HTTPConfig, client *http.Client) *HTTPEvaluator {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MaxRetries > maxRetriesCap {
		cfg.MaxRetries = maxRetriesCap
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 100 * time.Millisecond
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPEvaluator{cfg: cfg, client: client}
}

type wireRequest struct {
	RequestID  string  `json:"request_id"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Size       float64 `json:"size"`
	EntryPrice float64 `json:"entry_price"`
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

type wireResponse struct {
	Approved   *bool    `json:"approved"`
	Approve    *bool    `json:"approve"`
	Reason     string   `json:"reason"`
	Confidence *float64 `json:"confidence"`
}

type retryableError struct{ err error }

func (e retryableError) Error() string { return e.err.Error() }
func (e retryableError) Unwrap() error { return e.err }

// Evaluate retries transport errors and 5xx responses up to MaxRetries times.
func (h *HTTPEvaluator) Evaluate(ctx context.Context, req Request) (Response, error) {
	p := req.Proposal
	body, err := json.Marshal(wireRequest{
		RequestID:  req.ID,
		Symbol:     p.Symbol,
		Side:       string(p.Side),
		Size:       p.Size,
		EntryPrice: p.EntryPrice,
		StopLoss:   p.StopLossPrice,
		TakeProfit: p.TakeProfit,
		Confidence: p.Confidence,
		Rationale:  req.Rationale,
	})
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= h.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := h.cfg.BackoffBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return Response{}, fmt.Errorf("evaluator retry aborted: %w", ctx.Err())
			case <-time.After(backoff):
			}
			observ.IncCounter("gate_evaluator_retries_total", nil)
		}
		resp, err := h.post(ctx, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if _, ok := err.(retryableError); !ok {
			return Response{}, err
		}
	}
	return Response{}, fmt.Errorf("evaluator failed after %d attempts: %w", h.cfg.MaxRetries+1, lastErr)
}

func (h *HTTPEvaluator) post(ctx context.Context, body []byte) (Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, fmt.Errorf("http request: %w", err)
		}
		return Response{}, retryableError{fmt.Errorf("http request: %w", err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Response{}, retryableError{fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode >= 500 {
		return Response{}, retryableError{fmt.Errorf("unexpected status: %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return Response{}, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var wr wireResponse
	if err := json.Unmarshal(raw, &wr); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	approved := wr.Approved
	if approved == nil {
		approved = wr.Approve
	}
	if approved == nil {
		return Response{}, fmt.Errorf("%w: missing approved field", ErrMalformedResponse)
	}

	out := Response{Approved: *approved, Reason: wr.Reason}
	if out.Approved && h.cfg.MinConfidence > 0 && wr.Confidence != nil && *wr.Confidence < h.cfg.MinConfidence {
		out.Approved = false
		out.Reason = fmt.Sprintf("evaluator confidence %.2f below %.2f: %s", *wr.Confidence, h.cfg.MinConfidence, wr.Reason)
	}
	return out, nil
}
