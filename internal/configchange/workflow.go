package configchange

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Rajchodisetti/tradegate/internal/alerts"
	"github.com/Rajchodisetti/tradegate/internal/observ"
	"github.com/Rajchodisetti/tradegate/internal/params"
)

type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
	StatusExpired  Status = "EXPIRED"
)

func (s Status) Terminal() bool { return s != StatusPending }

var (
	ErrNotFound      = errors.New("config change request not found")
	ErrEmptyProposal = errors.New("config change proposes no fields")
)

// Request is one proposed parameter change. Terminal requests never change.
type Request struct {
	ID        string         `json:"id"`
	Fields    map[string]any `json:"fields"`
	Source    string         `json:"source"`
	Reason    string         `json:"reason"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at"`
	Status    Status         `json:"status"`
	DecidedBy string         `json:"decided_by,omitempty"`
	DecidedAt time.Time      `json:"decided_at,omitempty"`
	Note      string         `json:"note,omitempty"`
}

func (r Request) clone() Request {
	c := r
	c.Fields = make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		c.Fields[k] = v
	}
	return c
}

// Recorder persists audit records.
type Recorder interface {
	Record(ctx context.Context, kind string, payload any) error
}

type Config struct {
	TTL           time.Duration
	SweepInterval time.Duration
	Retention     time.Duration
}

type Option func(*Workflow)

func WithClock(now func() time.Time) Option {
	return func(w *Workflow) { w.now = now }
}

// Workflow holds change requests and applies approved ones to the live
// parameter store.
type Workflow struct {
	mu       sync.Mutex
	store    *params.Store
	cfg      Config
	rec      Recorder
	notifier alerts.Notifier
	now      func() time.Time
	requests map[string]*Request
}

func New(store *params.Store, cfg Config, rec Recorder, notifier alerts.Notifier, opts ...Option) *Workflow {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	w := &Workflow{
		store:    store,
		cfg:      cfg,
		rec:      rec,
		notifier: notifier,
		now:      time.Now,
		requests: make(map[string]*Request),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Propose validates every field against the allow-list and stores a PENDING
// request.
func (w *Workflow) Propose(fields map[string]any, source, reason string) (Request, error) {
	if len(fields) == 0 {
		return Request{}, ErrEmptyProposal
	}
	coerced := make(map[string]any, len(fields))
	for path, v := range fields {
		cv, err := params.Coerce(path, v)
		if err != nil {
			observ.IncCounter("config_proposals_total", map[string]string{"outcome": "invalid"})
			return Request{}, fmt.Errorf("field %s: %w", path, err)
		}
		coerced[path] = cv
	}

	now := w.now().UTC()
	r := &Request{
		ID:        uuid.NewString(),
		Fields:    coerced,
		Source:    source,
		Reason:    reason,
		CreatedAt: now,
		ExpiresAt: now.Add(w.cfg.TTL),
		Status:    StatusPending,
	}
	w.mu.Lock()
	w.requests[r.ID] = r
	out := r.clone()
	w.mu.Unlock()

	observ.IncCounter("config_proposals_total", map[string]string{"outcome": "pending"})
	w.publish("proposed", out)
	return out, nil
}

// Approve applies a PENDING request as one atomic swap. Terminal requests are
// returned unchanged.
func (w *Workflow) Approve(id, approver string) (Request, error) {
	return w.decide(id, approver, true)
}

// Reject closes a PENDING request without applying it.
func (w *Workflow) Reject(id, approver string) (Request, error) {
	return w.decide(id, approver, false)
}

func (w *Workflow) decide(id, principal string, approve bool) (Request, error) {
	now := w.now().UTC()
	w.mu.Lock()
	r, ok := w.requests[id]
	if !ok {
		w.mu.Unlock()
		return Request{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var transitions []Request
	if w.expireLocked(r, now) {
		transitions = append(transitions, r.clone())
	}
	if r.Status.Terminal() {
		out := r.clone()
		w.mu.Unlock()
		for _, t := range transitions {
			w.publish("expired", t)
		}
		return out, nil
	}

	action := "rejected"
	r.DecidedBy = principal
	r.DecidedAt = now
	if approve {
		applied, err := w.store.Apply(r.Fields)
		if err != nil {
			r.Status = StatusRejected
			r.Note = fmt.Sprintf("apply failed: %v", err)
			action = "apply_failed"
			observ.Log("config_apply_failed", map[string]any{"level": "error", "id": r.ID, "err": err})
		} else {
			r.Status = StatusApproved
			r.Note = fmt.Sprintf("applied as version %d", applied.Version)
			action = "approved"
		}
	} else {
		r.Status = StatusRejected
	}
	out := r.clone()
	w.mu.Unlock()

	observ.IncCounter("config_decisions_total", map[string]string{"status": string(out.Status)})
	w.publish(action, out)
	return out, nil
}

func (w *Workflow) expireLocked(r *Request, now time.Time) bool {
	if r.Status != StatusPending || now.Before(r.ExpiresAt) {
		return false
	}
	r.Status = StatusExpired
	r.DecidedBy = "system"
	r.DecidedAt = now
	r.Note = fmt.Sprintf("no decision within %s", w.cfg.TTL)
	observ.IncCounter("config_decisions_total", map[string]string{"status": string(StatusExpired)})
	return true
}

// Sweep expires PENDING requests past their TTL and drops terminal requests
// older than the retention period. It returns the requests it expired.
func (w *Workflow) Sweep(now time.Time) []Request {
	now = now.UTC()
	var expired []Request
	w.mu.Lock()
	for id, r := range w.requests {
		if w.expireLocked(r, now) {
			expired = append(expired, r.clone())
			continue
		}
		if w.cfg.Retention > 0 && r.Status.Terminal() && now.Sub(r.DecidedAt) > w.cfg.Retention {
			delete(w.requests, id)
		}
	}
	w.mu.Unlock()

	sort.Slice(expired, func(i, j int) bool { return expired[i].CreatedAt.Before(expired[j].CreatedAt) })
	for _, r := range expired {
		w.publish("expired", r)
	}
	return expired
}

// Run sweeps every SweepInterval until ctx is done.
func (w *Workflow) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := len(w.Sweep(w.now())); n > 0 {
				observ.Log("config_sweep", map[string]any{"expired": n})
			}
		}
	}
}

func (w *Workflow) Get(id string) (Request, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.requests[id]
	if !ok {
		return Request{}, false
	}
	return r.clone(), true
}

// List returns requests in creation order, filtered by status when given.
func (w *Workflow) List(statuses ...Status) []Request {
	want := map[Status]bool{}
	for _, s := range statuses {
		want[s] = true
	}
	w.mu.Lock()
	out := make([]Request, 0, len(w.requests))
	for _, r := range w.requests {
		if len(want) == 0 || want[r.Status] {
			out = append(out, r.clone())
		}
	}
	w.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

type transition struct {
	Action  string  `json:"action"`
	Request Request `json:"request"`
}

func (w *Workflow) publish(action string, r Request) {
	observ.Log("config_change", map[string]any{
		"id":     r.ID,
		"action": action,
		"status": string(r.Status),
		"source": r.Source,
		"by":     r.DecidedBy,
	})
	if w.rec != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := w.rec.Record(ctx, "config_change", transition{Action: action, Request: r}); err != nil {
			observ.Log("config_record_failed", map[string]any{"level": "error", "id": r.ID, "err": err})
		}
		cancel()
	}
	if w.notifier != nil {
		w.notifier.Notify(notification(action, r))
	}
}

func notification(action string, r Request) alerts.Event {
	paths := make([]string, 0, len(r.Fields))
	for p := range r.Fields {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	changes := make([]string, 0, len(paths))
	for _, p := range paths {
		changes = append(changes, fmt.Sprintf("%s=%v", p, r.Fields[p]))
	}

	ev := alerts.Event{
		Type:     alerts.EventConfigTransition,
		Severity: alerts.SeverityInfo,
		Title:    fmt.Sprintf("Config change %s %s", r.ID, action),
		Fields: map[string]string{
			"id":      r.ID,
			"status":  string(r.Status),
			"changes": strings.Join(changes, ", "),
			"source":  r.Source,
		},
		Time: time.Now().UTC(),
	}
	if r.Reason != "" {
		ev.Fields["reason"] = r.Reason
	}
	if r.Note != "" {
		ev.Fields["note"] = r.Note
	}
	if action == "proposed" {
		ev.Type = alerts.EventConfigProposed
		ev.Title = fmt.Sprintf("Config change proposed: %s (approve %s)", strings.Join(changes, ", "), r.ID)
		ev.Fields["expires_at"] = r.ExpiresAt.Format(time.RFC3339)
	}
	if action == "apply_failed" {
		ev.Severity = alerts.SeverityWarning
	}
	return ev
}
