// Package marketdata fetches candles, live ticks and social sentiment for
// the tracked symbol and assembles them into classifier input windows.
package marketdata

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"predix-engine/internal/features"
)

type Client struct {
	base string
	rest *resty.Client
}

func NewREST(base string, timeout time.Duration) *Client {
	r := resty.New()
	if timeout > 0 {
		r.SetTimeout(timeout)
	} else {
		r.SetTimeout(5 * time.Second)
	}
	return &Client{base: base, rest: r}
}

// Kline is one candlestick.
type Kline struct {
	OpenTime  int64   `json:"openTime"`
	Open      float64 `json:"open,string"`
	High      float64 `json:"high,string"`
	Low       float64 `json:"low,string"`
	Close     float64 `json:"close,string"`
	Volume    float64 `json:"volume,string"`
	CloseTime int64   `json:"closeTime"`
}

// GetKlines fetches the most recent candles, oldest first.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	params := map[string]string{
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	}

	var klines []Kline
	resp, err := c.rest.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(&klines).
		Get(c.base + "/api/v1/market/klines")
	if err != nil {
		return nil, fmt.Errorf("klines request failed: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("klines API error: status %d, body: %s", resp.StatusCode(), resp.String())
	}
	return klines, nil
}

type sentimentResp struct {
	Score        float64 `json:"score"`
	SocialVolume float64 `json:"social_volume"`
}

// GetSentiment fetches the current social sentiment snapshot.
func (c *Client) GetSentiment(ctx context.Context, symbol string) (features.Sentiment, error) {
	var out sentimentResp
	resp, err := c.rest.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&out).
		Get(c.base + "/api/v1/market/sentiment")
	if err != nil {
		return features.Sentiment{}, fmt.Errorf("sentiment request failed: %w", err)
	}
	if resp.StatusCode() != 200 {
		return features.Sentiment{}, fmt.Errorf("sentiment API error: status %d", resp.StatusCode())
	}
	return features.Sentiment{Score: out.Score, SocialVolume: out.SocialVolume}, nil
}
