package features

import (
	"fmt"
	"math"

	talib "github.com/markcheno/go-talib"
)

// Columns is the fixed, ordered feature set fed to the classifier. The
// configured FEATURE_COUNT must equal len(Columns); the order is part of
// the model contract and must not be reordered without retraining.
var Columns = []string{
	"open", "high", "low", "close", "volume",
	"sma_5", "sma_10", "sma_20",
	"ema_5", "ema_10", "ema_20",
	"rsi_14",
	"macd", "macd_signal", "macd_hist",
	"bb_upper", "bb_middle", "bb_lower",
	"sentiment_score", "social_volume",
}

// ColumnCount is the width every window carries.
var ColumnCount = len(Columns)

// Sentiment holds the social columns attached to every row of a frame.
// Zero values are legitimate (no signal), so the provider may pass the
// zero struct when the sentiment source is unavailable.
type Sentiment struct {
	Score        float64 `json:"score"`
	SocialVolume float64 `json:"social_volume"`
}

// IndicatorFrame assembles the full feature frame from OHLCV series plus a
// sentiment snapshot. Indicator warmup rows are masked NaN so BuildWindow
// can drop them instead of feeding zeros to the classifier.
func IndicatorFrame(open, high, low, closes, volume []float64, sent Sentiment) (*Frame, error) {
	n := len(closes)
	if n == 0 {
		return nil, fmt.Errorf("%w: empty candle series", ErrInsufficientData)
	}
	if len(open) != n || len(high) != n || len(low) != n || len(volume) != n {
		return nil, fmt.Errorf("OHLCV series lengths differ: open=%d high=%d low=%d close=%d volume=%d",
			len(open), len(high), len(low), n, len(volume))
	}

	f := NewFrame(n)
	must := func(name string, values []float64) error {
		if err := f.AddColumn(name, values); err != nil {
			return fmt.Errorf("add column %s: %w", name, err)
		}
		return nil
	}

	if err := must("open", open); err != nil {
		return nil, err
	}
	if err := must("high", high); err != nil {
		return nil, err
	}
	if err := must("low", low); err != nil {
		return nil, err
	}
	if err := must("close", closes); err != nil {
		return nil, err
	}
	if err := must("volume", volume); err != nil {
		return nil, err
	}

	if err := must("sma_5", maskWarmup(talib.Sma(closes, 5), 4)); err != nil {
		return nil, err
	}
	if err := must("sma_10", maskWarmup(talib.Sma(closes, 10), 9)); err != nil {
		return nil, err
	}
	if err := must("sma_20", maskWarmup(talib.Sma(closes, 20), 19)); err != nil {
		return nil, err
	}
	if err := must("ema_5", maskWarmup(talib.Ema(closes, 5), 4)); err != nil {
		return nil, err
	}
	if err := must("ema_10", maskWarmup(talib.Ema(closes, 10), 9)); err != nil {
		return nil, err
	}
	if err := must("ema_20", maskWarmup(talib.Ema(closes, 20), 19)); err != nil {
		return nil, err
	}
	if err := must("rsi_14", maskWarmup(talib.Rsi(closes, 14), 14)); err != nil {
		return nil, err
	}

	macd, macdSignal, macdHist := talib.Macd(closes, 12, 26, 9)
	// slow EMA (26) plus signal EMA (9) warmup
	if err := must("macd", maskWarmup(macd, 33)); err != nil {
		return nil, err
	}
	if err := must("macd_signal", maskWarmup(macdSignal, 33)); err != nil {
		return nil, err
	}
	if err := must("macd_hist", maskWarmup(macdHist, 33)); err != nil {
		return nil, err
	}

	bbUpper, bbMiddle, bbLower := talib.BBands(closes, 20, 2.0, 2.0, talib.SMA)
	if err := must("bb_upper", maskWarmup(bbUpper, 19)); err != nil {
		return nil, err
	}
	if err := must("bb_middle", maskWarmup(bbMiddle, 19)); err != nil {
		return nil, err
	}
	if err := must("bb_lower", maskWarmup(bbLower, 19)); err != nil {
		return nil, err
	}

	if err := must("sentiment_score", constant(n, sent.Score)); err != nil {
		return nil, err
	}
	if err := must("social_volume", constant(n, sent.SocialVolume)); err != nil {
		return nil, err
	}

	return f, nil
}

// maskWarmup replaces the first warmup entries with NaN. go-talib reports
// warmup positions as zeros, which are indistinguishable from real values.
func maskWarmup(series []float64, warmup int) []float64 {
	if warmup > len(series) {
		warmup = len(series)
	}
	for i := 0; i < warmup; i++ {
		series[i] = math.NaN()
	}
	return series
}

func constant(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}
