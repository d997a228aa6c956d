package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "paper", c.TradingMode)
	assert.Equal(t, []string{"BTC-USDT", "ETH-USDT"}, c.Symbols)
	assert.Equal(t, 2*time.Second, c.Gate.Timeout)
	assert.False(t, c.Gate.FailOpen)
	assert.Equal(t, 24*time.Hour, c.Workflow.TTL)
	assert.Equal(t, 5*time.Minute, c.Workflow.SweepInterval)
	assert.Equal(t, 0.75, c.Signal.RequiredAgreementFraction)
	assert.Equal(t, 0.2, c.Risk.MaxPositionFraction)
}

func TestLoadOverridesAndParams(t *testing.T) {
	path := writeConfig(t, `
symbols: [SOL-USDT]
gate:
  timeout: 1500ms
  fail_open: true
signal:
  weights:
    rsi: 2
  disabled: [cci]
risk:
  risk_per_trade: 0.01
  max_daily_loss: 25
`)
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"SOL-USDT"}, c.Symbols)
	assert.Equal(t, 1500*time.Millisecond, c.Gate.Timeout)
	assert.True(t, c.Gate.FailOpen)
	// untouched sibling keeps its default
	assert.Equal(t, 0.6, c.Gate.MinConfidence)

	p, err := c.Params()
	require.NoError(t, err)
	assert.Equal(t, 2.0, p.Signal.Weights["rsi"])
	assert.Equal(t, 1.0, p.Signal.Weights["macd"])
	assert.False(t, p.Signal.Enabled["cci"])
	assert.Equal(t, 0.01, p.Risk.RiskPerTrade)
	assert.Equal(t, 25.0, p.Risk.MaxDailyLoss)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad mode", "trading_mode: yolo\n"},
		{"too many retries", "gate:\n  max_retries: 9\n"},
		{"unknown weight", "signal:\n  weights:\n    astrology: 1\n"},
		{"risk per trade", "risk:\n  risk_per_trade: 0.5\n"},
		{"empty symbols", "symbols: []\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("EVALUATOR_URL", "http://gate:9000/eval")

	c, err := Load("")
	require.NoError(t, err)
	assert.True(t, c.Kafka.Enabled)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, c.Kafka.Brokers)
	assert.Equal(t, "http://gate:9000/eval", c.Gate.URL)
}
