package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/Rajchodisetti/tradegate/internal/params"
)

type Log struct {
	Level  string `yaml:"level" default:"info" validate:"oneof=trace debug info warn error"`
	Format string `yaml:"format" default:"json" validate:"oneof=json console"`
	Output string `yaml:"output" default:"stdout"`
}

type Signal struct {
	RequiredAgreementFraction float64            `yaml:"required_agreement_fraction" default:"0.75" validate:"gt=0,lte=1"`
	Weights                   map[string]float64 `yaml:"weights"`
	Disabled                  []string           `yaml:"disabled"`
}

type Risk struct {
	RiskPerTrade            float64 `yaml:"risk_per_trade" default:"0.02" validate:"gt=0,lte=0.1"`
	StopLossFraction        float64 `yaml:"stop_loss_fraction" default:"0.02" validate:"gt=0,lt=1"`
	BaseStopFraction        float64 `yaml:"base_stop_fraction" default:"0.02" validate:"gt=0,lt=1"`
	MaxVolatilityAdjustment float64 `yaml:"max_volatility_adjustment" default:"0.02" validate:"gte=0,lt=1"`
	RewardRiskRatio         float64 `yaml:"reward_risk_ratio" default:"2" validate:"gt=0"`
	MinConfidence           float64 `yaml:"min_confidence" default:"0.6" validate:"gte=0,lte=1"`
	MinTradeSize            float64 `yaml:"min_trade_size" default:"10" validate:"gte=0"`
	MaxPositionFraction     float64 `yaml:"max_position_fraction" default:"0.2" validate:"gt=0,lte=1"`
	MaxDailyLoss            float64 `yaml:"max_daily_loss" default:"50" validate:"gt=0"`
	MaxConsecutiveLosses    int     `yaml:"max_consecutive_losses" default:"3" validate:"gt=0"`
	MaxDailyTrades          int     `yaml:"max_daily_trades" default:"10" validate:"gt=0"`
	MaxConcurrentPositions  int     `yaml:"max_concurrent_positions" default:"3" validate:"gt=0"`
	EventLogPath            string  `yaml:"event_log_path" default:"data/risk_events.jsonl"`
}

type Gate struct {
	Enabled       bool          `yaml:"enabled" default:"true"`
	URL           string        `yaml:"url" default:"http://localhost:8092/evaluate"`
	Timeout       time.Duration `yaml:"timeout" default:"2s" validate:"gt=0"`
	FailOpen      bool          `yaml:"fail_open" default:"false"`
	MaxRetries    int           `yaml:"max_retries" default:"1" validate:"gte=0,lte=3"`
	BackoffBase   time.Duration `yaml:"backoff_base" default:"100ms"`
	MinConfidence float64       `yaml:"min_confidence" default:"0.6" validate:"gte=0,lte=1"`
}

type Workflow struct {
	TTL           time.Duration `yaml:"ttl" default:"24h" validate:"gt=0"`
	SweepInterval time.Duration `yaml:"sweep_interval" default:"5m" validate:"gt=0"`
	Retention     time.Duration `yaml:"retention" default:"168h"`
}

type Research struct {
	Enabled            bool          `yaml:"enabled" default:"true"`
	Interval           time.Duration `yaml:"interval" default:"24h" validate:"gt=0"`
	LookbackDays       int           `yaml:"lookback_days" default:"30" validate:"gt=0"`
	Timeframes         []string      `yaml:"timeframes" default:"[\"1h\",\"4h\"]" validate:"min=1"`
	Lookahead          int           `yaml:"lookahead" default:"5" validate:"gt=0"`
	MinReturnThreshold float64       `yaml:"min_return_threshold" default:"0.002" validate:"gte=0"`
	MinOccurrences     int           `yaml:"min_occurrences" default:"20" validate:"gt=0"`
}

type ClickHouse struct {
	DSN             string        `yaml:"dsn" default:"clickhouse://localhost:9000/market"`
	Table           string        `yaml:"table" default:"candles"`
	MaxOpenConns    int           `yaml:"max_open_conns" default:"5"`
	MaxIdleConns    int           `yaml:"max_idle_conns" default:"2"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" default:"1h"`
	QueryTimeout    time.Duration `yaml:"query_timeout" default:"30s"`
}

type Outbox struct {
	Path             string `yaml:"path" default:"data/records.jsonl"`
	DedupeWindowSecs int    `yaml:"dedupe_window_seconds" default:"90"`
}

type Kafka struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers" default:"[\"localhost:9092\"]"`
	Topic        string        `yaml:"topic" default:"tradegate.records"`
	BatchTimeout time.Duration `yaml:"batch_timeout" default:"50ms"`
	WriteTimeout time.Duration `yaml:"write_timeout" default:"5s"`
}

type Slack struct {
	Enabled          bool   `yaml:"enabled"`
	WebhookURL       string `yaml:"webhook_url"`
	SigningSecret    string `yaml:"signing_secret"`
	Channel          string `yaml:"channel" default:"#trading"`
	RateLimitPerMin  int    `yaml:"rate_limit_per_min" default:"30" validate:"gt=0"`
	QueueSize        int    `yaml:"queue_size" default:"256" validate:"gt=0"`
	DedupeWindowSecs int    `yaml:"dedupe_window_seconds" default:"60"`
}

type RBAC struct {
	Admins       []string `yaml:"admins"`
	Operators    []string `yaml:"operators"`
	AuditLogPath string   `yaml:"audit_log_path" default:"data/audit/commands.jsonl"`
}

type Paper struct {
	StartingBalance float64 `yaml:"starting_balance" default:"500" validate:"gt=0"`
	StartingPrice   float64 `yaml:"starting_price" default:"100" validate:"gt=0"`
	LatencyMsMin    int     `yaml:"latency_ms_min" default:"100"`
	LatencyMsMax    int     `yaml:"latency_ms_max" default:"2000" validate:"gtefield=LatencyMsMin"`
	SlippageBpsMin  int     `yaml:"slippage_bps_min" default:"1"`
	SlippageBpsMax  int     `yaml:"slippage_bps_max" default:"5" validate:"gtefield=SlippageBpsMin"`
	FeeBps          int     `yaml:"fee_bps" default:"10"`
	TickVolatility  float64 `yaml:"tick_volatility" default:"0.001" validate:"gte=0,lt=0.1"`
	Seed            int64   `yaml:"seed"`
}

type Orchestrator struct {
	TickInterval time.Duration `yaml:"tick_interval" default:"1m" validate:"gt=0"`
	FillTimeout  time.Duration `yaml:"fill_timeout" default:"30s" validate:"gt=0"`
	LaneBuffer   int           `yaml:"lane_buffer" default:"16" validate:"gt=0"`
	CommandQueue int           `yaml:"command_queue" default:"32" validate:"gt=0"`
}

type Server struct {
	Addr            string        `yaml:"addr" default:":8080"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"10s"`
	CommandRatePerS float64       `yaml:"command_rate_per_s" default:"5"`
}

type Root struct {
	TradingMode  string       `yaml:"trading_mode" default:"paper" validate:"oneof=paper dry-run"`
	Symbols      []string     `yaml:"symbols" default:"[\"BTC-USDT\",\"ETH-USDT\"]" validate:"min=1,dive,required"`
	Log          Log          `yaml:"log"`
	Signal       Signal       `yaml:"signal"`
	Risk         Risk         `yaml:"risk"`
	Gate         Gate         `yaml:"gate"`
	Workflow     Workflow     `yaml:"workflow"`
	Research     Research     `yaml:"research"`
	ClickHouse   ClickHouse   `yaml:"clickhouse"`
	Outbox       Outbox       `yaml:"outbox"`
	Kafka        Kafka        `yaml:"kafka"`
	Slack        Slack        `yaml:"slack"`
	RBAC         RBAC         `yaml:"rbac"`
	Paper        Paper        `yaml:"paper"`
	Orchestrator Orchestrator `yaml:"orchestrator"`
	Server       Server       `yaml:"server"`
}

var validate = validator.New()

// Load reads path, fills unset fields from struct defaults, applies
// environment overrides and validates the result. An empty path yields the
// defaults.
func Load(path string) (Root, error) {
	var c Root
	if err := defaults.Set(&c); err != nil {
		return c, fmt.Errorf("config defaults: %w", err)
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return c, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return c, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	applyEnv(&c)
	if err := validate.Struct(c); err != nil {
		return c, formatValidation(err)
	}
	if _, err := c.Params(); err != nil {
		return c, err
	}
	return c, nil
}

func applyEnv(c *Root) {
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		c.Slack.WebhookURL = v
		c.Slack.Enabled = true
	}
	if v := os.Getenv("SLACK_SIGNING_SECRET"); v != "" {
		c.Slack.SigningSecret = v
	}
	if v := os.Getenv("EVALUATOR_URL"); v != "" {
		c.Gate.URL = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
		c.Kafka.Enabled = true
	}
	if v := os.Getenv("CLICKHOUSE_DSN"); v != "" {
		c.ClickHouse.DSN = v
	}
}

func formatValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("config validation: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("config validation: %s", strings.Join(msgs, "; "))
}

// Params builds the initial live parameter set. Weights not named in the file
// keep the stock weight of 1.
func (c Root) Params() (params.Params, error) {
	p := params.Default()
	p.Signal.RequiredAgreementFraction = c.Signal.RequiredAgreementFraction
	for name, w := range c.Signal.Weights {
		if !params.Allowed("signal.weights." + name) {
			return p, fmt.Errorf("config: unknown indicator weight %q", name)
		}
		p.Signal.Weights[name] = w
	}
	for _, name := range c.Signal.Disabled {
		if !params.Allowed("signal.enabled." + name) {
			return p, fmt.Errorf("config: unknown indicator %q", name)
		}
		p.Signal.Enabled[name] = false
	}
	r := c.Risk
	p.Risk = params.Risk{
		RiskPerTrade:            r.RiskPerTrade,
		StopLossFraction:        r.StopLossFraction,
		BaseStopFraction:        r.BaseStopFraction,
		MaxVolatilityAdjustment: r.MaxVolatilityAdjustment,
		RewardRiskRatio:         r.RewardRiskRatio,
		MinConfidence:           r.MinConfidence,
		MinTradeSize:            r.MinTradeSize,
		MaxPositionFraction:     r.MaxPositionFraction,
		MaxDailyLoss:            r.MaxDailyLoss,
		MaxConsecutiveLosses:    r.MaxConsecutiveLosses,
		MaxDailyTrades:          r.MaxDailyTrades,
		MaxConcurrentPositions:  r.MaxConcurrentPositions,
	}
	if err := p.Validate(); err != nil {
		return p, fmt.Errorf("config: %w", err)
	}
	return p, nil
}
