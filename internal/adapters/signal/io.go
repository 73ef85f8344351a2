package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
)

func (c *Client) writePump(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Debug().Msg("writePump ctx done")
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return nil
		case data, ok := <-c.send:
			if !ok {
				c.log.Debug().Msg("writePump channel closed")
				return ErrClosed
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.log.Error().Err(err).Msg("writePump set deadline")
				return err
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Error().Err(err).Msg("writePump write error")
				return err
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Error().Err(err).Msg("writePump ping error")
				return err
			}
		}
	}
}

func (c *Client) readPump(ctx context.Context) error {
	defer c.log.Debug().Msg("readPump closing")

	// One lost pong is tolerated.
	pongWait := 2 * c.cfg.PingPeriod
	c.conn.SetReadLimit(c.cfg.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !c.isClosed() {
				c.log.Error().Err(err).Msg("readPump read error")
			}
			return err
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.handleSignal(data)
	}
}

func (c *Client) handleSignal(data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.Error().Err(err).Msg("bad json")
		return
	}

	if c.limiter != nil && !c.limiter.Allow(env.Type) {
		c.log.Warn().Str("type", env.Type).Msg("rate limited, dropping")
		return
	}

	switch env.Type {
	case "ping":
		c.handlePing()
	case "pong":
	case "offer", "answer", "candidate":
		c.forwardSignal(data)
	default:
		c.log.Warn().Str("type", env.Type).Msg("unknown signal")
	}
}

func (c *Client) sendJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		c.log.Error().Err(err).Msg("sendJSON marshal")
		return err
	}
	return c.TrySend(b)
}
