package marketdata

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"predix-engine/internal/features"
)

// warmupMargin is the extra candles fetched beyond the window length so the
// slowest indicator (MACD signal, 33 rows) has history to settle on.
const warmupMargin = 40

// Provider turns raw market data into classifier windows.
type Provider struct {
	client   *Client
	symbol   string
	interval string
	seqLen   int
}

// NewProvider wires a REST client to the feature pipeline. The configured
// feature count must match the fixed column set; a mismatch means the model
// contract is broken and nothing sensible can be fetched.
func NewProvider(client *Client, symbol, interval string, seqLen, featureCount int) (*Provider, error) {
	if featureCount != features.ColumnCount {
		return nil, fmt.Errorf("feature count %d does not match the %d-column feature set", featureCount, features.ColumnCount)
	}
	if seqLen <= 0 {
		return nil, fmt.Errorf("sequence length must be positive, got %d", seqLen)
	}
	return &Provider{client: client, symbol: symbol, interval: interval, seqLen: seqLen}, nil
}

// FetchWindow pulls candles and sentiment and builds the input window.
// Sentiment is best-effort; an unreachable sentiment source degrades to
// zero columns rather than skipping the cycle.
func (p *Provider) FetchWindow(ctx context.Context) (features.Window, error) {
	klines, err := p.client.GetKlines(ctx, p.symbol, p.interval, p.seqLen+warmupMargin)
	if err != nil {
		return features.Window{}, fmt.Errorf("fetch klines: %w", err)
	}

	sent, err := p.client.GetSentiment(ctx, p.symbol)
	if err != nil {
		log.Warn().Err(err).Str("symbol", p.symbol).Msg("sentiment unavailable, using zero columns")
		sent = features.Sentiment{}
	}

	n := len(klines)
	open := make([]float64, n)
	high := make([]float64, n)
	low := make([]float64, n)
	closes := make([]float64, n)
	volume := make([]float64, n)
	for i, k := range klines {
		open[i] = k.Open
		high[i] = k.High
		low[i] = k.Low
		closes[i] = k.Close
		volume[i] = k.Volume
	}

	frame, err := features.IndicatorFrame(open, high, low, closes, volume, sent)
	if err != nil {
		return features.Window{}, err
	}
	return frame.BuildWindow(features.Columns, p.seqLen)
}
