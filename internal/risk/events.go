package risk

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Rajchodisetti/tradegate/internal/observ"
)

const (
	EventOutcomeRecorded = "outcome_recorded"
	EventBreakerTripped  = "breaker_tripped"
	EventBreakerReset    = "breaker_reset"
	EventSessionRollover = "session_rollover"
)

// Event is one entry of the risk event log.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Principal string         `json:"principal,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	State     State          `json:"state"`
}

// addEvent appends to the in-memory history and the log file. Callers hold e.mu.
func (e *Engine) addEvent(eventType string, data map[string]any, principal, reason string) {
	e.lastEventID++
	event := Event{
		ID:        fmt.Sprintf("risk_%d", e.lastEventID),
		Timestamp: e.now(),
		Type:      eventType,
		Data:      data,
		Principal: principal,
		Reason:    reason,
		State:     e.state,
	}
	e.events = append(e.events, event)
	if len(e.events) > e.maxEvents {
		e.events = e.events[len(e.events)-e.maxEvents:]
	}
	if err := e.persistEvent(event); err != nil {
		observ.IncCounter("risk_event_persist_errors_total", map[string]string{"event_type": eventType})
		observ.Log("risk_event_persist_failed", map[string]any{"level": "error", "err": err, "event_type": eventType})
	}
	observ.IncCounter("risk_events_total", map[string]string{"event_type": eventType})
}

func (e *Engine) persistEvent(event Event) error {
	if e.eventLog == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(e.eventLog), 0o755); err != nil {
		return fmt.Errorf("create event log directory: %w", err)
	}
	file, err := os.OpenFile(e.eventLog, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer file.Close()

	b, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(file, "%s\n", b); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// loadEvents restores the state carried by the last readable event. Corrupt
// lines are skipped and counted.
func (e *Engine) loadEvents() error {
	file, err := os.Open(e.eventLog)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer file.Close()

	var (
		last    *Event
		skipped int
	)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			skipped++
			continue
		}
		e.lastEventID++
		e.events = append(e.events, ev)
		last = &ev
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read event log: %w", err)
	}
	if len(e.events) > e.maxEvents {
		e.events = e.events[len(e.events)-e.maxEvents:]
	}
	if last != nil && last.State.SessionDay != "" {
		e.state = last.State
	}
	if skipped > 0 {
		observ.Log("risk_event_log_skipped_lines", map[string]any{"level": "warn", "skipped": skipped})
	}
	return nil
}

// History returns up to max most recent events, newest last. Types filters
// when non-empty.
func (e *Engine) History(max int, types ...string) []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()
	want := map[string]bool{}
	for _, t := range types {
		want[t] = true
	}
	out := make([]Event, 0, len(e.events))
	for _, ev := range e.events {
		if len(want) == 0 || want[ev.Type] {
			out = append(out, ev)
		}
	}
	if max > 0 && len(out) > max {
		out = out[len(out)-max:]
	}
	return out
}
