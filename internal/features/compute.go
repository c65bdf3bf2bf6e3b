package features

import (
	"math"
	"time"

	"github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"

	"tradelab/pkg/types"
)

// Volatility regime bands, annualized std-dev of the last 20 bar returns.
const (
	volLowBand  = 0.15
	volHighBand = 0.30
)

const tradingDaysPerYear = 252

// ComputeFeatures derives the feature set for a symbol from its current
// window. Returns nil when the window is empty. Indicators that need more
// bars than the window holds are simply absent from the map; the regime
// tags are always present, defaulting to normal/sideways when there is not
// enough history to classify.
func (p *Pipeline) ComputeFeatures(symbol string) *types.FeatureSet {
	w := p.Window(symbol)
	if len(w) == 0 {
		return nil
	}

	n := len(w)
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	for i, b := range w {
		closes[i] = b.Close
		highs[i] = b.High
		lows[i] = b.Low
	}

	last := w[n-1]
	fs := &types.FeatureSet{
		Symbol:    symbol,
		Timestamp: last.Timestamp,
		Values: map[string]float64{
			"close":  last.Close,
			"volume": last.Volume,
		},
		Vol:   types.VolNormal,
		Trend: types.TrendSideways,
	}

	if n >= 2 && closes[n-2] != 0 {
		fs.Values["ret_1"] = closes[n-1]/closes[n-2] - 1
	}

	for _, period := range []int{5, 20, 50} {
		if n >= period {
			sma := talib.Sma(closes, period)
			setFinite(fs.Values, smaName(period), sma[n-1])
		}
	}

	if n >= 15 {
		rsi := talib.Rsi(closes, 14)
		v := rsi[n-1]
		// Flat input yields no average move in either direction. Treat
		// that as neutral rather than propagating NaN.
		if math.IsNaN(v) || math.IsInf(v, 0) {
			v = 50
		}
		fs.Values["rsi_14"] = v
	}

	if n >= 20 {
		upper, middle, lower := talib.BBands(closes, 20, 2, 2, talib.SMA)
		setFinite(fs.Values, "bb_upper", upper[n-1])
		setFinite(fs.Values, "bb_middle", middle[n-1])
		setFinite(fs.Values, "bb_lower", lower[n-1])
	}

	if n >= 15 {
		atr := talib.Atr(highs, lows, closes, 14)
		setFinite(fs.Values, "atr_14", atr[n-1])
	}

	p.mu.RLock()
	for _, period := range []int{12, 26} {
		if v, ok := p.emas[emaKey{symbol, period}]; ok {
			fs.Values[emaName(period)] = v
		}
	}
	p.mu.RUnlock()

	if vol, ok := annualizedVol(w, closes); ok {
		fs.Values["vol_20"] = vol
		fs.Vol = classifyVol(vol)
	}
	fs.Trend = classifyTrend(fs.Values)

	return fs
}

// annualizedVol computes the annualized standard deviation of the last 20
// bar-over-bar returns. The annualization factor follows from the inferred
// bar spacing, so daily bars scale by sqrt(252) and intraday bars by the
// number of bars per trading year.
func annualizedVol(w []types.Bar, closes []float64) (float64, bool) {
	n := len(closes)
	if n < 21 {
		return 0, false
	}
	rets := make([]float64, 0, 20)
	for i := n - 20; i < n; i++ {
		if closes[i-1] == 0 {
			return 0, false
		}
		rets = append(rets, closes[i]/closes[i-1]-1)
	}
	sd := stat.StdDev(rets, nil)
	if math.IsNaN(sd) {
		return 0, false
	}

	interval := barInterval(w)
	barsPerDay := 6.5 * float64(time.Hour) / float64(interval)
	if interval >= 24*time.Hour {
		barsPerDay = 1
	}
	return sd * math.Sqrt(tradingDaysPerYear*barsPerDay), true
}

func classifyVol(annualized float64) types.VolRegime {
	switch {
	case annualized < volLowBand:
		return types.VolLow
	case annualized < volHighBand:
		return types.VolNormal
	default:
		return types.VolHigh
	}
}

// classifyTrend compares the last close against the medium and long SMAs.
// With fewer than 50 bars the long SMA is absent and the regime stays
// sideways.
func classifyTrend(values map[string]float64) types.TrendRegime {
	close, ok1 := values["close"]
	sma20, ok2 := values["sma_20"]
	sma50, ok3 := values["sma_50"]
	if !ok1 || !ok2 || !ok3 {
		return types.TrendSideways
	}
	switch {
	case close > sma20 && sma20 > sma50:
		return types.TrendUp
	case close < sma20 && sma20 < sma50:
		return types.TrendDown
	default:
		return types.TrendSideways
	}
}

func setFinite(m map[string]float64, key string, v float64) {
	if !math.IsNaN(v) && !math.IsInf(v, 0) {
		m[key] = v
	}
}

func smaName(period int) string {
	switch period {
	case 5:
		return "sma_5"
	case 20:
		return "sma_20"
	default:
		return "sma_50"
	}
}

func emaName(period int) string {
	if period == 12 {
		return "ema_12"
	}
	return "ema_26"
}
