package alerts

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/tradegate/internal/risk"
)

func webhook(t *testing.T, status int) (*httptest.Server, chan SlackMessage) {
	t.Helper()
	got := make(chan SlackMessage, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg SlackMessage
		_ = json.NewDecoder(r.Body).Decode(&msg)
		got <- msg
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func receive(t *testing.T, ch chan SlackMessage) SlackMessage {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no webhook call")
	}
	return SlackMessage{}
}

func TestSlackClientDeliversAndDedupes(t *testing.T) {
	srv, got := webhook(t, http.StatusOK)
	s := NewSlackClient(SlackConfig{WebhookURL: srv.URL, Channel: "#trading", DedupeWindow: time.Minute}, srv.Client())
	defer s.Close()

	ev := Event{Type: EventRejection, Symbol: "BTC-USDT", Title: "rejected", Fields: map[string]string{"reason": "DAILY_LOSS_LIMIT"}}
	s.Notify(ev)
	s.Notify(ev)

	msg := receive(t, got)
	assert.Equal(t, "#trading", msg.Channel)
	assert.Equal(t, "[BTC-USDT] rejected", msg.Text)
	require.Len(t, msg.Attachments, 1)

	select {
	case m := <-got:
		t.Fatalf("duplicate delivered: %+v", m)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSlackClientRateLimitSparesCritical(t *testing.T) {
	srv, got := webhook(t, http.StatusOK)
	s := NewSlackClient(SlackConfig{WebhookURL: srv.URL, RateLimitPerMin: 1}, srv.Client())
	defer s.Close()

	s.Notify(Event{Type: EventGateVerdict, Title: "first"})
	s.Notify(Event{Type: EventGateVerdict, Title: "second"})
	s.Notify(Event{Type: EventBreakerTripped, Severity: SeverityCritical, Title: "tripped"})

	assert.Equal(t, "first", receive(t, got).Text)
	assert.Equal(t, "tripped", receive(t, got).Text)
}

func TestSlackClientRetriesFailures(t *testing.T) {
	srv, got := webhook(t, http.StatusInternalServerError)
	s := NewSlackClient(SlackConfig{WebhookURL: srv.URL, MaxAttempts: 2}, srv.Client())
	defer s.Close()

	s.Notify(Event{Type: EventTradeFailed, Title: "fill timeout"})
	receive(t, got)
	receive(t, got)
}

func TestAuthorize(t *testing.T) {
	audit := NewAuditLogger(filepath.Join(t.TempDir(), "audit", "commands.jsonl"))
	r := NewRBAC([]string{"U_ADMIN"}, []string{"U_OPS"}, "", audit)

	tests := []struct {
		principal string
		need      Role
		wantErr   bool
	}{
		{"U_ADMIN", RoleAdmin, false},
		{"U_OPS", RoleAdmin, true},
		{"U_OPS", RoleOperator, false},
		{"U_UNKNOWN", RoleOperator, true},
		{"U_UNKNOWN", RoleViewer, false},
		{"U_ADMIN", RoleOperator, false},
	}
	for _, tt := range tests {
		err := r.Authorize(tt.principal, "pause", tt.need, "c1")
		if tt.wantErr {
			assert.True(t, errors.Is(err, ErrUnauthorized), "%s need=%s", tt.principal, tt.need)
		} else {
			assert.NoError(t, err, "%s need=%s", tt.principal, tt.need)
		}
	}
	assert.Equal(t, RoleOperator, r.RoleOf("U_OPS"))
	assert.Equal(t, RoleViewer, r.RoleOf("U_UNKNOWN"))

	history, err := audit.History(0)
	require.NoError(t, err)
	require.Len(t, history, len(tests))
	assert.Equal(t, "denied", history[1].Outcome)

	last, err := audit.History(2)
	require.NoError(t, err)
	assert.Len(t, last, 2)
}

func TestValidateRequest(t *testing.T) {
	now := time.Unix(1700000000, 0)
	r := NewRBAC(nil, nil, "s3cret", nil)
	r.now = func() time.Time { return now }

	ts := strconv.FormatInt(now.Unix(), 10)
	body := "command=status&user_id=U1"
	assert.NoError(t, r.ValidateRequest(Sign("s3cret", ts, body), ts, body))
	assert.ErrorIs(t, r.ValidateRequest(Sign("other", ts, body), ts, body), ErrUnauthorized)

	old := strconv.FormatInt(now.Add(-10*time.Minute).Unix(), 10)
	assert.ErrorIs(t, r.ValidateRequest(Sign("s3cret", old, body), old, body), ErrUnauthorized)

	unset := NewRBAC([]string{"U_ADMIN"}, nil, "", nil)
	assert.False(t, unset.CanVerify())
	assert.ErrorIs(t, unset.ValidateRequest("", "", body), ErrUnauthorized, "no secret means no request is trusted")
	assert.ErrorIs(t, unset.ValidateRequest(Sign("", ts, body), ts, body), ErrUnauthorized)
}

func TestBreakerEvent(t *testing.T) {
	tripped := BreakerEvent(risk.Transition{
		From:   risk.BreakerOpen,
		To:     risk.BreakerTripped,
		Reason: risk.TripDailyLoss,
		State:  risk.State{DailyPnL: -12.5, Breaker: risk.BreakerTripped},
	})
	assert.Equal(t, EventBreakerTripped, tripped.Type)
	assert.Equal(t, SeverityCritical, tripped.Severity)
	assert.Equal(t, "-12.50", tripped.Fields["daily_pnl"])

	reset := BreakerEvent(risk.Transition{From: risk.BreakerTripped, To: risk.BreakerOpen, Reason: "manual", Principal: "U_ADMIN"})
	assert.Equal(t, EventBreakerReset, reset.Type)
	assert.Equal(t, "U_ADMIN", reset.Fields["by"])
}
