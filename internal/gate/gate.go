package gate

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Rajchodisetti/tradegate/internal/observ"
	"github.com/Rajchodisetti/tradegate/internal/risk"
)

// Source says where a verdict came from.
type Source string

const (
	SourceExternal   Source = "EXTERNAL"
	SourceFailOpen   Source = "FAIL_OPEN"
	SourceFailClosed Source = "FAIL_CLOSED"
)

var ErrMalformedResponse = errors.New("malformed evaluator response")

// Request is what the evaluator sees for one proposal.
type Request struct {
	ID        string             `json:"request_id"`
	Proposal  risk.OrderProposal `json:"proposal"`
	Rationale string             `json:"rationale"`
}

// Response is the evaluator's answer.
type Response struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason"`
}

// Evaluator is the external approval authority. Implementations should honour
// ctx, but the gate does not rely on it.
type Evaluator interface {
	Evaluate(ctx context.Context, req Request) (Response, error)
}

// Recorder persists audit records.
type Recorder interface {
	Record(ctx context.Context, kind string, payload any) error
}

type Verdict struct {
	RequestID string  `json:"request_id"`
	Symbol    string  `json:"symbol"`
	Approved  bool    `json:"approved"`
	Reason    string  `json:"reason"`
	Source    Source  `json:"source"`
	LatencyMs int64   `json:"latency_ms"`
	Side      string  `json:"side"`
	Size      float64 `json:"size"`
}

type Config struct {
	Timeout  time.Duration
	FailOpen bool
	// Disabled approves everything without calling the evaluator.
	Disabled bool
}

// Gate asks the evaluator exactly once per proposal and always answers
// within Timeout.
type Gate struct {
	eval  Evaluator
	cfg   Config
	rec   Recorder
	calls atomic.Int64
}

func New(eval Evaluator, cfg Config, rec Recorder) *Gate {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &Gate{eval: eval, cfg: cfg, rec: rec}
}

// Calls returns how many evaluator calls were made.
func (g *Gate) Calls() int64 { return g.calls.Load() }

// FailOpen reports the configured fallback policy.
func (g *Gate) FailOpen() bool { return g.cfg.FailOpen }

type result struct {
	resp Response
	err  error
}

// Approve returns the verdict for one proposal. Evaluator errors, timeouts
// and malformed responses resolve to the fallback policy.
func (g *Gate) Approve(ctx context.Context, id string, prop risk.OrderProposal, rationale string) Verdict {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	if g.cfg.Disabled {
		v := Verdict{
			RequestID: id,
			Symbol:    prop.Symbol,
			Side:      string(prop.Side),
			Size:      prop.Size,
			Approved:  true,
			Reason:    "gate disabled",
			Source:    SourceFailOpen,
		}
		g.report(v, nil)
		return v
	}

	var (
		resp Response
		err  error
	)
	if g.eval == nil {
		err = errors.New("no evaluator configured")
	} else {
		g.calls.Add(1)
		done := make(chan result, 1)
		go func() {
			r, e := g.eval.Evaluate(ctx, Request{ID: id, Proposal: prop, Rationale: rationale})
			done <- result{resp: r, err: e}
		}()
		select {
		case r := <-done:
			resp, err = r.resp, r.err
		case <-ctx.Done():
			err = fmt.Errorf("evaluator timeout after %s: %w", g.cfg.Timeout, ctx.Err())
		}
	}

	v := Verdict{
		RequestID: id,
		Symbol:    prop.Symbol,
		Side:      string(prop.Side),
		Size:      prop.Size,
	}
	if err != nil {
		v.Approved = g.cfg.FailOpen
		if g.cfg.FailOpen {
			v.Source = SourceFailOpen
			v.Reason = fmt.Sprintf("evaluator unavailable, fail-open: %v", err)
		} else {
			v.Source = SourceFailClosed
			v.Reason = fmt.Sprintf("evaluator unavailable, rejected: %v", err)
		}
	} else {
		v.Approved = resp.Approved
		v.Reason = resp.Reason
		v.Source = SourceExternal
	}
	v.LatencyMs = time.Since(start).Milliseconds()

	g.report(v, err)
	return v
}

func (g *Gate) report(v Verdict, err error) {
	kv := map[string]any{
		"request_id": v.RequestID,
		"symbol":     v.Symbol,
		"approved":   v.Approved,
		"source":     string(v.Source),
		"reason":     v.Reason,
		"latency_ms": v.LatencyMs,
	}
	if err != nil {
		kv["level"] = "warn"
	}
	observ.Log("gate_verdict", kv)
	observ.IncCounter("gate_verdicts_total", map[string]string{
		"source":   string(v.Source),
		"approved": fmt.Sprint(v.Approved),
	})
	observ.Observe("gate_latency_ms", float64(v.LatencyMs), map[string]string{"source": string(v.Source)})

	if g.rec == nil {
		return
	}
	// the caller's context may already be done when the gate timed out
	rctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if rerr := g.rec.Record(rctx, "gate_verdict", v); rerr != nil {
		observ.Log("gate_record_failed", map[string]any{"level": "error", "err": rerr, "request_id": v.RequestID})
	}
}
