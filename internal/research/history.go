package research

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sync"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"

	"github.com/Rajchodisetti/tradegate/internal/indicators"
	"github.com/Rajchodisetti/tradegate/internal/observ"
)

// HistorySource loads OHLCV candles in ascending time order.
type HistorySource interface {
	Candles(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]indicators.Bar, error)
}

type ClickHouseConfig struct {
	DSN             string
	Table           string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	QueryTimeout    time.Duration
}

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// ClickHouseHistory reads candles from a table with columns
// (symbol, timeframe, ts, open, high, low, close, volume).
type ClickHouseHistory struct {
	db      *sql.DB
	query   string
	timeout time.Duration
}

func OpenClickHouse(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseHistory, error) {
	if !tableName.MatchString(cfg.Table) {
		return nil, fmt.Errorf("clickhouse: invalid table name %q", cfg.Table)
	}
	db, err := sql.Open("clickhouse", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	return newClickHouseHistory(db, cfg.Table, cfg.QueryTimeout), nil
}

func newClickHouseHistory(db *sql.DB, table string, timeout time.Duration) *ClickHouseHistory {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ClickHouseHistory{db: db, query: candleQuery(table), timeout: timeout}
}

func candleQuery(table string) string {
	return fmt.Sprintf(`
        SELECT ts, open, high, low, close, volume
        FROM %s
        WHERE symbol = ? AND timeframe = ? AND ts >= ? AND ts <= ?
        ORDER BY ts ASC
    `, table)
}

func (h *ClickHouseHistory) Candles(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]indicators.Bar, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	rows, err := h.db.QueryContext(ctx, h.query, symbol, timeframe, from, to)
	if err != nil {
		observ.IncCounter("research_history_errors_total", map[string]string{"stage": "query"})
		return nil, fmt.Errorf("get candles: %w", err)
	}
	defer rows.Close()

	out := make([]indicators.Bar, 0, 1024)
	for rows.Next() {
		var b indicators.Bar
		if err := rows.Scan(&b.Time, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			observ.IncCounter("research_history_errors_total", map[string]string{"stage": "scan"})
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	observ.Log("research_history_loaded", map[string]any{
		"symbol":    symbol,
		"timeframe": timeframe,
		"rows":      len(out),
		"duration":  time.Since(start),
	})
	return out, nil
}

func (h *ClickHouseHistory) Close() error {
	return h.db.Close()
}

// MemoryHistory serves fixed candles keyed by symbol and timeframe.
type MemoryHistory struct {
	mu   sync.RWMutex
	data map[string][]indicators.Bar
	errs map[string]error
}

func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{data: map[string][]indicators.Bar{}, errs: map[string]error{}}
}

func (m *MemoryHistory) Put(symbol, timeframe string, bars []indicators.Bar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[symbol+"|"+timeframe] = bars
}

func (m *MemoryHistory) Fail(symbol string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[symbol] = err
}

func (m *MemoryHistory) Candles(_ context.Context, symbol, timeframe string, from, to time.Time) ([]indicators.Bar, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.errs[symbol]; err != nil {
		return nil, err
	}
	var out []indicators.Bar
	for _, b := range m.data[symbol+"|"+timeframe] {
		if !b.Time.Before(from) && !b.Time.After(to) {
			out = append(out, b)
		}
	}
	return out, nil
}
