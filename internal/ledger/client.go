// Package ledger submits prediction rounds to the external round ledger
// and holds the operator signing identity.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"predix-engine/internal/prediction"
)

// ErrSubmitFailed marks a round submission failure. The prediction is still
// recorded locally with round ID 0.
var ErrSubmitFailed = errors.New("ledger: submit failed")

type Client struct {
	base     string
	operator string
	rest     *resty.Client
}

func NewClient(base, operator string, timeout time.Duration) *Client {
	r := resty.New()
	if timeout > 0 {
		r.SetTimeout(timeout)
	} else {
		r.SetTimeout(5 * time.Second)
	}
	return &Client{base: base, operator: operator, rest: r}
}

type roundReq struct {
	Direction     string `json:"direction"`
	SignatureHash string `json:"signature_hash"`
	Operator      string `json:"operator,omitempty"`
}

type roundResp struct {
	RoundID int64  `json:"round_id"`
	Code    int    `json:"code"`
	Msg     string `json:"msg"`
}

// SubmitRound registers a prediction round and returns its ledger ID.
func (c *Client) SubmitRound(ctx context.Context, dir prediction.Direction, signatureHash string) (int64, error) {
	body := roundReq{
		Direction:     dir.String(),
		SignatureHash: signatureHash,
		Operator:      c.operator,
	}

	out := &roundResp{}
	resp, err := c.rest.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(out).
		Post(c.base + "/api/v1/rounds")
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSubmitFailed, err)
	}
	if resp.StatusCode() != 200 {
		return 0, fmt.Errorf("%w: status %d, body: %s", ErrSubmitFailed, resp.StatusCode(), resp.String())
	}
	if out.Code != 0 {
		return 0, fmt.Errorf("%w: %d %s", ErrSubmitFailed, out.Code, out.Msg)
	}
	if out.RoundID == 0 {
		return 0, fmt.Errorf("%w: ledger returned round ID 0", ErrSubmitFailed)
	}
	return out.RoundID, nil
}
