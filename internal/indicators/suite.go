package indicators

import (
	"fmt"
	"sync"
	"time"

	"github.com/evdnx/goti"
)

// Bar is one OHLCV candle.
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

const (
	fastEMAPeriod = 12
	slowEMAPeriod = 26
	atrPeriod     = 14
	volumeWindow  = 20
)

type symbolSuite struct {
	suite   *goti.IndicatorSuite
	bars    int
	fastEMA *goti.MovingAverage
	slowEMA *goti.MovingAverage
	atr     *goti.AverageTrueRange
	volume  *goti.MovingAverage
}

func newSymbolSuite(suite *goti.IndicatorSuite) (*symbolSuite, error) {
	fast, err := goti.NewMovingAverage(goti.EMAMovingAverage, fastEMAPeriod)
	if err != nil {
		return nil, err
	}
	slow, err := goti.NewMovingAverage(goti.EMAMovingAverage, slowEMAPeriod)
	if err != nil {
		return nil, err
	}
	atr, err := goti.NewAverageTrueRangeWithParams(atrPeriod, goti.WithCloseValidation(false))
	if err != nil {
		return nil, err
	}
	volume, err := goti.NewMovingAverage(goti.SMAMovingAverage, volumeWindow)
	if err != nil {
		return nil, err
	}
	return &symbolSuite{suite: suite, fastEMA: fast, slowEMA: slow, atr: atr, volume: volume}, nil
}

// SuiteSource keeps one goti indicator suite per symbol and turns each new bar
// into a Raw batch for the Normalizer.
type SuiteSource struct {
	mu      sync.Mutex
	suites  map[string]*symbolSuite
	factory func() (*goti.IndicatorSuite, error)
	minBars int
}

// NewSuiteSource uses goti defaults with the given RSI and MFI bands. minBars
// is the warm-up length before a symbol produces values.
func NewSuiteSource(rsi, mfi Band, minBars int) *SuiteSource {
	if minBars <= 0 {
		minBars = 30
	}
	return &SuiteSource{
		suites:  map[string]*symbolSuite{},
		minBars: minBars,
		factory: func() (*goti.IndicatorSuite, error) {
			ic := goti.DefaultConfig()
			ic.RSIOversold = rsi.Low
			ic.RSIOverbought = rsi.High
			ic.MFIOversold = mfi.Low
			ic.MFIOverbought = mfi.High
			return goti.NewIndicatorSuiteWithConfig(ic)
		},
	}
}

// Add feeds bar for symbol. ready is false while the suite warms up.
func (s *SuiteSource) Add(symbol string, bar Bar) (raw Raw, ready bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.suites[symbol]
	if !ok {
		suite, err := s.factory()
		if err != nil {
			return Raw{}, false, fmt.Errorf("create indicator suite for %s: %w", symbol, err)
		}
		st, err = newSymbolSuite(suite)
		if err != nil {
			return Raw{}, false, fmt.Errorf("create indicator suite for %s: %w", symbol, err)
		}
		s.suites[symbol] = st
	}
	if err := st.suite.Add(bar.High, bar.Low, bar.Close, bar.Volume); err != nil {
		return Raw{}, false, fmt.Errorf("add bar for %s: %w", symbol, err)
	}
	relVolume, err := st.push(bar)
	if err != nil {
		return Raw{}, false, fmt.Errorf("add bar for %s: %w", symbol, err)
	}
	if st.bars < s.minBars {
		return Raw{}, false, nil
	}

	values := map[string]float64{}
	if v, err := st.suite.GetRSI().Calculate(); err == nil {
		values["rsi"] = v
	}
	if v, err := st.suite.GetMFI().Calculate(); err == nil {
		values["mfi"] = v
	}
	values["hma_cross"] = crossValue(st.suite.GetHMA().IsBullishCrossover, st.suite.GetHMA().IsBearishCrossover)
	values["vwao_cross"] = crossValue(st.suite.GetVWAO().IsBullishCrossover, st.suite.GetVWAO().IsBearishCrossover)
	fast, fastErr := st.fastEMA.Calculate()
	slow, slowErr := st.slowEMA.Calculate()
	if fastErr == nil && slowErr == nil && bar.Close > 0 {
		values["ema_spread"] = (fast - slow) / bar.Close
	}
	if v, err := st.atr.Calculate(); err == nil {
		values["atr"] = v
	}
	if relVolume > 0 {
		values["rel_volume"] = relVolume
	}

	return Raw{Symbol: symbol, Time: bar.Time, Price: bar.Close, Values: values}, true, nil
}

func crossValue(bull, bear func() (bool, error)) float64 {
	if ok, err := bull(); err == nil && ok {
		return 1
	}
	if ok, err := bear(); err == nil && ok {
		return -1
	}
	return 0
}

// push feeds the side indicators and returns the bar's volume relative to the
// average of the previous window, or 0 before the window fills.
func (st *symbolSuite) push(bar Bar) (float64, error) {
	st.bars++
	var rel float64
	if avg, err := st.volume.Calculate(); err == nil && avg > 0 {
		rel = bar.Volume / avg
	}
	if err := st.fastEMA.Add(bar.Close); err != nil {
		return 0, err
	}
	if err := st.slowEMA.Add(bar.Close); err != nil {
		return 0, err
	}
	if err := st.atr.AddCandle(bar.High, bar.Low, bar.Close); err != nil {
		return 0, err
	}
	if err := st.volume.Add(bar.Volume); err != nil {
		return 0, err
	}
	return rel, nil
}
