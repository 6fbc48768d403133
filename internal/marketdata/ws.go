package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Tick is one live trade print.
type Tick struct {
	Symbol string
	Price  float64
	Qty    float64
	Ts     time.Time
}

type WS struct{ url string }

func NewWS(u string) WS { return WS{u} }

// Stream keeps a tick subscription alive, reconnecting with exponential
// backoff until the context is cancelled. Parse errors go to errs
// best-effort; a full channel drops rather than blocks.
func (w WS) Stream(ctx context.Context, symbol string, ticks chan<- Tick, errs chan<- error, ping time.Duration) error {
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			if err := w.streamOnce(ctx, symbol, ticks, errs, ping); err != nil {
				log.Warn().Err(err).Dur("backoff", backoff).Msg("tick stream failed, reconnecting")
				select {
				case errs <- fmt.Errorf("ws reconnect: %w", err):
				default:
				}

				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return ctx.Err()
				}

				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}
			backoff = time.Second
		}
	}
}

func (w WS) streamOnce(ctx context.Context, symbol string, ticks chan<- Tick, errs chan<- error, ping time.Duration) error {
	log.Info().Str("url", w.url).Str("symbol", symbol).Msg("establishing tick stream")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	conn.SetReadLimit(512 * 1024)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	sub := map[string]any{
		"op":   "subscribe",
		"args": []map[string]string{{"symbol": symbol, "ch": "trade"}},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe failed: %w", err)
	}

	pingTicker := time.NewTicker(ping)
	defer pingTicker.Stop()
	if err := conn.WriteMessage(websocket.PingMessage, []byte("ping")); err != nil {
		return fmt.Errorf("initial ping failed: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, []byte("ping")); err != nil {
				return fmt.Errorf("ping failed: %w", err)
			}
		default:
			conn.SetReadDeadline(time.Now().Add(30 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Info().Msg("tick stream closed normally")
					return err
				}
				return fmt.Errorf("read message failed: %w", err)
			}

			var raw map[string]any
			if err := json.Unmarshal(msg, &raw); err != nil {
				log.Debug().Err(err).Str("message", string(msg)).Msg("unparseable ws message")
				continue
			}
			if op, ok := raw["op"].(string); ok && op == "subscribe" {
				continue
			}
			if raw["ch"] != "trade" {
				continue
			}
			if err := parseTick(raw, ticks); err != nil {
				select {
				case errs <- fmt.Errorf("parse tick: %w", err):
				default:
				}
			}
		}
	}
}

func parseTick(m map[string]any, out chan<- Tick) error {
	data, ok := m["data"].([]any)
	if !ok || len(data) == 0 {
		return fmt.Errorf("invalid tick data format")
	}
	d, ok := data[0].(map[string]any)
	if !ok {
		return fmt.Errorf("invalid tick data item format")
	}
	symbol, ok := m["symbol"].(string)
	if !ok || len(symbol) < 3 {
		return fmt.Errorf("missing symbol in tick")
	}

	price, err := toFloat(d["p"])
	if err != nil {
		return fmt.Errorf("invalid price: %w", err)
	}
	if price <= 0 {
		return fmt.Errorf("invalid price value: %f", price)
	}
	qty, err := toFloat(d["v"])
	if err != nil {
		return fmt.Errorf("invalid volume: %w", err)
	}
	if qty <= 0 {
		return fmt.Errorf("invalid quantity value: %f", qty)
	}

	ts := time.Now()
	if s, ok := d["t"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339, s); err == nil {
			ts = parsed
		}
	}

	select {
	case out <- Tick{Symbol: symbol, Price: price, Qty: qty, Ts: ts}:
	default:
		log.Warn().Str("symbol", symbol).Msg("tick channel full, dropping message")
	}
	return nil
}

func toFloat(v any) (float64, error) {
	switch val := v.(type) {
	case string:
		if val == "" {
			return 0, fmt.Errorf("empty string")
		}
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("failed to parse %q as float: %w", val, err)
		}
		if f != f || f == f+1 {
			return 0, fmt.Errorf("parsed value not finite")
		}
		return f, nil
	case float64:
		if val != val || val == val+1 {
			return 0, fmt.Errorf("value not finite")
		}
		return val, nil
	case int:
		return float64(val), nil
	case int64:
		return float64(val), nil
	default:
		return 0, fmt.Errorf("value type %T is not convertible to float", v)
	}
}
