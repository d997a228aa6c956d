package research

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Rajchodisetti/tradegate/internal/alerts"
	"github.com/Rajchodisetti/tradegate/internal/configchange"
	"github.com/Rajchodisetti/tradegate/internal/observ"
	"github.com/Rajchodisetti/tradegate/internal/params"
)

// Proposer enqueues parameter changes for human approval.
type Proposer interface {
	Propose(fields map[string]any, source, reason string) (configchange.Request, error)
}

// Recorder persists audit records.
type Recorder interface {
	Record(ctx context.Context, kind string, payload any) error
}

type Config struct {
	Interval           time.Duration
	LookbackDays       int
	Timeframes         []string
	Lookahead          int
	MinReturnThreshold float64
	MinOccurrences     int
}

// Report is the outcome of one research pass.
type Report struct {
	Started  time.Time             `json:"started"`
	Stats    []PatternStat         `json:"stats"`
	Skipped  []string              `json:"skipped,omitempty"`
	Failed   map[string]string     `json:"failed,omitempty"`
	Proposal *configchange.Request `json:"proposal,omitempty"`
}

// Scheduler runs pattern research over every symbol and routes the advisor's
// suggestions through the change workflow. It never touches risk state or
// the parameter store itself.
type Scheduler struct {
	cfg      Config
	symbols  []string
	history  HistorySource
	advisor  Advisor
	proposer Proposer
	current  func() params.Params
	rec      Recorder
	notifier alerts.Notifier
	now      func() time.Time

	mu   sync.Mutex
	skip map[string]bool
}

type Deps struct {
	History  HistorySource
	Advisor  Advisor
	Proposer Proposer
	Current  func() params.Params
	Recorder Recorder
	Notifier alerts.Notifier
}

func NewScheduler(cfg Config, symbols []string, d Deps) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = 5
	}
	if d.Advisor == nil {
		d.Advisor = HeuristicAdvisor{}
	}
	return &Scheduler{
		cfg:      cfg,
		symbols:  append([]string(nil), symbols...),
		history:  d.History,
		advisor:  d.Advisor,
		proposer: d.Proposer,
		current:  d.Current,
		rec:      d.Recorder,
		notifier: d.Notifier,
		now:      time.Now,
		skip:     map[string]bool{},
	}
}

// Run performs a pass immediately and then every Interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			observ.Log("research_run_failed", map[string]any{"level": "error", "err": err})
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Skipped lists symbols excluded for lack of history.
func (s *Scheduler) Skipped() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.skip))
	for sym := range s.skip {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// RunOnce performs one research pass. A failing symbol is logged and left out
// of the summary; the pass still completes.
func (s *Scheduler) RunOnce(ctx context.Context) (Report, error) {
	start := s.now()
	rep := Report{Started: start.UTC(), Failed: map[string]string{}}
	to := start.UTC()
	from := to.AddDate(0, 0, -s.cfg.LookbackDays)

	for _, sym := range s.symbols {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if s.skipped(sym) {
			rep.Skipped = append(rep.Skipped, sym)
			continue
		}
		stats, empty, err := s.researchSymbol(ctx, sym, from, to)
		switch {
		case err != nil:
			rep.Failed[sym] = err.Error()
			observ.IncCounter("research_symbol_failures_total", nil)
			observ.Log("research_symbol_failed", map[string]any{"level": "warn", "symbol": sym, "err": err})
		case empty:
			s.mu.Lock()
			s.skip[sym] = true
			s.mu.Unlock()
			rep.Skipped = append(rep.Skipped, sym)
			observ.Log("research_symbol_skipped", map[string]any{"level": "warn", "symbol": sym, "reason": "no history"})
		default:
			rep.Stats = append(rep.Stats, stats...)
		}
	}

	observ.RecordDuration("research_run", time.Since(start), nil)
	observ.Log("research_run_complete", map[string]any{
		"patterns": len(rep.Stats),
		"skipped":  len(rep.Skipped),
		"failed":   len(rep.Failed),
	})
	if len(rep.Stats) == 0 {
		s.notify(rep, "No pattern results this run")
		s.record(rep)
		return rep, nil
	}

	var current params.Params
	if s.current != nil {
		current = s.current()
	} else {
		current = params.Default()
	}
	sug, err := s.advisor.Suggest(ctx, rep.Stats, current)
	if err != nil {
		observ.Log("research_advisor_failed", map[string]any{"level": "warn", "err": err})
	} else if !sug.Empty() && s.proposer != nil {
		req, perr := s.proposer.Propose(sug.Fields, "research", strings.Join(sug.Reasons, "; "))
		if perr != nil {
			observ.Log("research_propose_failed", map[string]any{"level": "warn", "err": perr})
		} else {
			rep.Proposal = &req
		}
	}

	summary := fmt.Sprintf("%d pattern results, weighted success %.2f", len(rep.Stats), WeightedSuccess(rep.Stats))
	s.notify(rep, summary)
	s.record(rep)
	return rep, nil
}

func (s *Scheduler) skipped(sym string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skip[sym]
}

// researchSymbol analyzes every timeframe of one symbol. empty is true when
// no timeframe had any history.
func (s *Scheduler) researchSymbol(ctx context.Context, sym string, from, to time.Time) (stats []PatternStat, empty bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	empty = true
	for _, tf := range s.cfg.Timeframes {
		bars, err := s.history.Candles(ctx, sym, tf, from, to)
		if err != nil {
			return nil, false, fmt.Errorf("%s %s: %w", sym, tf, err)
		}
		if len(bars) > 0 {
			empty = false
		}
		for _, st := range Analyze(bars, tf, s.cfg.MinReturnThreshold, s.cfg.Lookahead, s.cfg.MinOccurrences) {
			st.Symbol = sym
			stats = append(stats, st)
		}
	}
	return stats, empty, nil
}

func (s *Scheduler) notify(rep Report, summary string) {
	if s.notifier == nil {
		return
	}
	fields := map[string]string{"summary": summary}
	if top := TopPatterns(rep.Stats, 3); len(top) > 0 {
		fields["top_patterns"] = strings.Join(top, ", ")
	}
	if len(rep.Skipped) > 0 {
		fields["skipped"] = strings.Join(rep.Skipped, ", ")
	}
	if rep.Proposal != nil {
		fields["proposal"] = rep.Proposal.ID
	}
	s.notifier.Notify(alerts.Event{
		Type:     alerts.EventResearchSummary,
		Severity: alerts.SeverityInfo,
		Title:    "Research completed",
		Fields:   fields,
		Time:     time.Now().UTC(),
	})
}

func (s *Scheduler) record(rep Report) {
	if s.rec == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.rec.Record(ctx, "research_summary", rep); err != nil {
		observ.Log("research_record_failed", map[string]any{"level": "error", "err": err})
	}
}
