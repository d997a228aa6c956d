package outbox

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Rajchodisetti/tradegate/internal/observ"
)

// Record kinds written by the engine.
const (
	KindSignal       = "signal"
	KindRejection    = "rejection"
	KindGateVerdict  = "gate_verdict"
	KindOrder        = "order"
	KindTradeOutcome = "trade_outcome"
	KindConfigChange = "config_change"
	KindResearch     = "research_summary"
	KindBreaker      = "breaker_transition"
)

// Entry is one append-only record.
type Entry struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
	Event time.Time       `json:"event"`
}

// Outbox appends records to a JSONL file.
type Outbox struct {
	mu           sync.Mutex
	path         string
	dedupeWindow time.Duration
}

func New(path string, dedupeWindowSecs int) (*Outbox, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create outbox directory: %w", err)
	}
	return &Outbox{
		path:         path,
		dedupeWindow: time.Duration(dedupeWindowSecs) * time.Second,
	}, nil
}

func newEntry(kind string, payload any) (Entry, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal %s record: %w", kind, err)
	}
	return Entry{Type: kind, Data: data, Event: time.Now().UTC()}, nil
}

func (o *Outbox) Record(_ context.Context, kind string, payload any) error {
	entry, err := newEntry(kind, payload)
	if err != nil {
		return err
	}
	if err := o.appendEntry(entry); err != nil {
		observ.IncCounter("outbox_write_errors_total", map[string]string{"sink": "file"})
		return err
	}
	observ.IncCounter("outbox_records_total", map[string]string{"sink": "file", "kind": kind})
	return nil
}

func (o *Outbox) appendEntry(entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	f, err := os.OpenFile(o.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open outbox: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write outbox: %w", err)
	}
	return nil
}

// Entries reads every record, optionally filtered by kind. Unparseable lines
// are skipped.
func (o *Outbox) Entries(kinds ...string) ([]Entry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	f, err := os.Open(o.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	want := map[string]bool{}
	for _, k := range kinds {
		want[k] = true
	}
	var out []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if len(want) == 0 || want[e.Type] {
			out = append(out, e)
		}
	}
	return out, sc.Err()
}

// HasRecentOrder reports whether an order with idempotencyKey was recorded
// within the dedupe window.
func (o *Outbox) HasRecentOrder(idempotencyKey string) (bool, error) {
	entries, err := o.Entries(KindOrder)
	if err != nil {
		return false, err
	}
	cutoff := time.Now().UTC().Add(-o.dedupeWindow)
	for _, e := range entries {
		if e.Event.Before(cutoff) {
			continue
		}
		var order struct {
			IdempotencyKey string `json:"idempotency_key"`
		}
		if err := json.Unmarshal(e.Data, &order); err != nil {
			continue
		}
		if order.IdempotencyKey == idempotencyKey {
			return true, nil
		}
	}
	return false, nil
}
