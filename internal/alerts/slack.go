package alerts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/tradegate/internal/observ"
)

// Notification kinds.
const (
	EventTradeExecuted    = "trade_executed"
	EventTradeFailed      = "trade_failed"
	EventRejection        = "rejection"
	EventGateVerdict      = "gate_verdict"
	EventBreakerTripped   = "breaker_tripped"
	EventBreakerReset     = "breaker_reset"
	EventConfigProposed   = "config_proposed"
	EventConfigTransition = "config_transition"
	EventResearchSummary  = "research_summary"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is one human-facing notification.
type Event struct {
	Type     string            `json:"type"`
	Severity Severity          `json:"severity"`
	Symbol   string            `json:"symbol,omitempty"`
	Title    string            `json:"title"`
	Fields   map[string]string `json:"fields,omitempty"`
	Time     time.Time         `json:"time"`
}

// Notifier delivers events to people. Notify must not block.
type Notifier interface {
	Notify(ev Event)
}

// LogNotifier writes events to the structured log.
type LogNotifier struct{}

func (LogNotifier) Notify(ev Event) {
	kv := map[string]any{"type": ev.Type, "title": ev.Title, "severity": string(ev.Severity)}
	if ev.Symbol != "" {
		kv["symbol"] = ev.Symbol
	}
	for k, v := range ev.Fields {
		kv["field_"+k] = v
	}
	if ev.Severity == SeverityCritical {
		kv["level"] = "warn"
	}
	observ.Log("notification", kv)
}

type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type SlackAttachment struct {
	Color  string       `json:"color"`
	Fields []SlackField `json:"fields"`
}

type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

type SlackConfig struct {
	WebhookURL      string
	Channel         string
	RateLimitPerMin int
	QueueSize       int
	DedupeWindow    time.Duration
	MaxAttempts     int
}

type queuedAlert struct {
	ev       Event
	attempts int
}

// SlackClient posts events to an incoming webhook from a single worker.
// Duplicates inside the dedupe window and events over the rate limit are
// dropped; breaker trips bypass the rate limit.
type SlackClient struct {
	cfg         SlackConfig
	httpClient  *http.Client
	queue       chan queuedAlert
	limiter     *rate.Limiter
	mu          sync.Mutex
	dedupeCache map[string]time.Time
	cancel      context.CancelFunc
	done        chan struct{}
}

func NewSlackClient(cfg SlackConfig, httpClient *http.Client) *SlackClient {
	if cfg.RateLimitPerMin <= 0 {
		cfg.RateLimitPerMin = 30
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &SlackClient{
		cfg:         cfg,
		httpClient:  httpClient,
		queue:       make(chan queuedAlert, cfg.QueueSize),
		limiter:     rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RateLimitPerMin)), cfg.RateLimitPerMin),
		dedupeCache: make(map[string]time.Time),
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go s.worker(ctx)
	return s
}

func (s *SlackClient) Notify(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	if s.duplicate(ev) {
		observ.IncCounter("alerts_deduped_total", map[string]string{"type": ev.Type})
		return
	}
	if ev.Severity != SeverityCritical && !s.limiter.Allow() {
		observ.IncCounter("alerts_rate_limited_total", map[string]string{"type": ev.Type})
		return
	}
	select {
	case s.queue <- queuedAlert{ev: ev}:
		observ.SetGauge("alerts_queue_depth", float64(len(s.queue)), nil)
	default:
		observ.IncCounter("alerts_dropped_total", map[string]string{"type": ev.Type})
		observ.Log("alert_queue_full", map[string]any{"level": "warn", "type": ev.Type})
	}
}

func (s *SlackClient) duplicate(ev Event) bool {
	if s.cfg.DedupeWindow <= 0 {
		return false
	}
	hash := generateHash(ev)
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.dedupeCache[hash]; ok && now.Sub(last) < s.cfg.DedupeWindow {
		return true
	}
	s.dedupeCache[hash] = now
	for h, t := range s.dedupeCache {
		if now.Sub(t) >= s.cfg.DedupeWindow {
			delete(s.dedupeCache, h)
		}
	}
	return false
}

func generateHash(ev Event) string {
	keys := make([]string, 0, len(ev.Fields))
	for k := range ev.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	fmt.Fprintf(h, "%s:%s:%s", ev.Type, ev.Symbol, ev.Title)
	for _, k := range keys {
		fmt.Fprintf(h, ":%s=%s", k, ev.Fields[k])
	}
	return fmt.Sprintf("%x", h.Sum(nil))[:16]
}

func (s *SlackClient) worker(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case alert := <-s.queue:
			observ.SetGauge("alerts_queue_depth", float64(len(s.queue)), nil)
			for {
				err := s.sendWebhook(ctx, alert.ev)
				if err == nil {
					observ.IncCounter("alerts_sent_total", map[string]string{"type": alert.ev.Type})
					break
				}
				alert.attempts++
				if alert.attempts >= s.cfg.MaxAttempts {
					observ.IncCounter("alerts_webhook_errors_total", nil)
					observ.Log("alert_send_failed", map[string]any{"level": "warn", "type": alert.ev.Type, "err": err})
					break
				}
				backoff := time.Duration(1<<alert.attempts) * 250 * time.Millisecond
				jitter := time.Duration(rand.Float64() * float64(backoff) * 0.1)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff + jitter):
				}
			}
		}
	}
}

func (s *SlackClient) sendWebhook(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(s.formatMessage(ev))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook status %d", resp.StatusCode)
	}
	return nil
}

func (s *SlackClient) formatMessage(ev Event) SlackMessage {
	color := "good"
	switch ev.Severity {
	case SeverityWarning:
		color = "warning"
	case SeverityCritical:
		color = "danger"
	}

	text := ev.Title
	if ev.Symbol != "" {
		text = fmt.Sprintf("[%s] %s", ev.Symbol, ev.Title)
	}

	keys := make([]string, 0, len(ev.Fields))
	for k := range ev.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := []SlackField{{Title: "Event", Value: ev.Type, Short: true}}
	for _, k := range keys {
		v := ev.Fields[k]
		if len(v) > 500 {
			v = v[:497] + "..."
		}
		fields = append(fields, SlackField{Title: k, Value: v, Short: len(v) < 40})
	}
	fields = append(fields, SlackField{Title: "Time", Value: ev.Time.Format("15:04:05 MST"), Short: true})

	return SlackMessage{
		Channel:     s.cfg.Channel,
		Text:        text,
		Attachments: []SlackAttachment{{Color: color, Fields: fields}},
	}
}

// Close stops the worker. Queued events are discarded.
func (s *SlackClient) Close() {
	s.cancel()
	<-s.done
}
