package gate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/tradegate/internal/decision"
	"github.com/Rajchodisetti/tradegate/internal/risk"
)

type evalFunc func(ctx context.Context, req Request) (Response, error)

func (f evalFunc) Evaluate(ctx context.Context, req Request) (Response, error) { return f(ctx, req) }

type memRecorder struct {
	mu      sync.Mutex
	records []any
}

func (m *memRecorder) Record(_ context.Context, kind string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, payload)
	return nil
}

func proposal() risk.OrderProposal {
	return risk.OrderProposal{Symbol: "BTC-USDT", Side: decision.Buy, Size: 100, EntryPrice: 100, Confidence: 0.8}
}

func TestApprovePassesExternalVerdictThrough(t *testing.T) {
	for _, approved := range []bool{true, false} {
		rec := &memRecorder{}
		g := New(evalFunc(func(ctx context.Context, req Request) (Response, error) {
			assert.Equal(t, "req-1", req.ID)
			return Response{Approved: approved, Reason: "looks fine"}, nil
		}), Config{Timeout: time.Second, FailOpen: !approved}, rec)

		v := g.Approve(context.Background(), "req-1", proposal(), "rationale")
		assert.Equal(t, approved, v.Approved)
		assert.Equal(t, SourceExternal, v.Source)
		assert.Equal(t, "looks fine", v.Reason)
		assert.Equal(t, int64(1), g.Calls())
		require.Len(t, rec.records, 1)
		assert.Equal(t, v, rec.records[0])
	}
}

func TestApproveFallbacks(t *testing.T) {
	failing := evalFunc(func(context.Context, Request) (Response, error) {
		return Response{}, errors.New("connection refused")
	})
	malformed := evalFunc(func(context.Context, Request) (Response, error) {
		return Response{}, ErrMalformedResponse
	})
	tests := []struct {
		name     string
		eval     Evaluator
		failOpen bool
		want     Source
	}{
		{"error fail-open", failing, true, SourceFailOpen},
		{"error fail-closed", failing, false, SourceFailClosed},
		{"malformed fail-closed", malformed, false, SourceFailClosed},
		{"no evaluator fail-open", nil, true, SourceFailOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(tt.eval, Config{Timeout: time.Second, FailOpen: tt.failOpen}, nil)
			v := g.Approve(context.Background(), "id", proposal(), "")
			assert.Equal(t, tt.want, v.Source)
			assert.Equal(t, tt.failOpen, v.Approved)
			assert.NotEmpty(t, v.Reason)
		})
	}
}

func TestApproveTimeoutFailClosed(t *testing.T) {
	// evaluator ignores its context and blocks well past the gate timeout
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	slow := evalFunc(func(context.Context, Request) (Response, error) {
		<-block
		return Response{Approved: true}, nil
	})

	g := New(slow, Config{Timeout: 2000 * time.Millisecond, FailOpen: false}, nil)
	start := time.Now()
	v := g.Approve(context.Background(), "id", proposal(), "")
	elapsed := time.Since(start)

	assert.False(t, v.Approved)
	assert.Equal(t, SourceFailClosed, v.Source)
	assert.GreaterOrEqual(t, elapsed, 2000*time.Millisecond)
	assert.Less(t, elapsed, 2500*time.Millisecond)
	assert.Equal(t, int64(1), g.Calls())
}

func TestApproveTimeoutFailOpen(t *testing.T) {
	slow := evalFunc(func(ctx context.Context, _ Request) (Response, error) {
		<-ctx.Done()
		return Response{}, ctx.Err()
	})
	g := New(slow, Config{Timeout: 50 * time.Millisecond, FailOpen: true}, nil)
	v := g.Approve(context.Background(), "id", proposal(), "")
	assert.True(t, v.Approved)
	assert.Equal(t, SourceFailOpen, v.Source)
}

func TestApproveDisabledSkipsEvaluator(t *testing.T) {
	called := false
	g := New(evalFunc(func(ctx context.Context, req Request) (Response, error) {
		called = true
		return Response{}, nil
	}), Config{Disabled: true}, nil)

	v := g.Approve(context.Background(), "req-1", proposal(), "")
	assert.True(t, v.Approved)
	assert.Equal(t, SourceFailOpen, v.Source)
	assert.Equal(t, "gate disabled", v.Reason)
	assert.False(t, called)
	assert.Zero(t, g.Calls())
}
