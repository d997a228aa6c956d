package alerts

import (
	"fmt"
	"time"

	"github.com/Rajchodisetti/tradegate/internal/risk"
)

// BreakerEvent describes a circuit breaker transition for operators.
func BreakerEvent(tr risk.Transition) Event {
	ev := Event{
		Fields: riskFields(tr.State),
		Time:   time.Now().UTC(),
	}
	ev.Fields["reason"] = tr.Reason
	if tr.Principal != "" {
		ev.Fields["by"] = tr.Principal
	}
	if tr.To == risk.BreakerTripped {
		ev.Type = EventBreakerTripped
		ev.Severity = SeverityCritical
		ev.Title = fmt.Sprintf("%s Circuit breaker TRIPPED: %s", stateEmoji(tr.To), tr.Reason)
	} else {
		ev.Type = EventBreakerReset
		ev.Severity = SeverityWarning
		ev.Title = fmt.Sprintf("%s Circuit breaker reopened (%s)", stateEmoji(tr.To), tr.Reason)
	}
	return ev
}

// RiskStatusEvent summarizes the risk state, used for the status command.
func RiskStatusEvent(s risk.State, paused, stopped bool) Event {
	fields := riskFields(s)
	fields["paused"] = fmt.Sprint(paused)
	fields["stopped"] = fmt.Sprint(stopped)
	return Event{
		Type:     "status",
		Severity: SeverityInfo,
		Title:    fmt.Sprintf("%s Status %s: breaker %s, pnl %s", stateEmoji(s.Breaker), s.SessionDay, s.Breaker, pnlText(s.DailyPnL)),
		Fields:   fields,
		Time:     time.Now().UTC(),
	}
}

func riskFields(s risk.State) map[string]string {
	f := map[string]string{
		"session_day":        s.SessionDay,
		"daily_pnl":          pnlText(s.DailyPnL),
		"consecutive_losses": fmt.Sprint(s.ConsecutiveLosses),
		"trades_today":       fmt.Sprint(s.TradeCountToday),
		"open_positions":     fmt.Sprint(s.OpenPositionCount),
		"breaker":            string(s.Breaker),
	}
	if s.TripReason != "" {
		f["trip_reason"] = s.TripReason
	}
	return f
}

func stateEmoji(state risk.BreakerState) string {
	if state == risk.BreakerTripped {
		return "🛑"
	}
	return "🟢"
}

func pnlText(pnl float64) string {
	if pnl >= 0 {
		return fmt.Sprintf("+%.2f", pnl)
	}
	return fmt.Sprintf("%.2f", pnl)
}
