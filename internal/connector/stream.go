package connector

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"tradeflow/internal/book"
	"tradeflow/internal/model"
	"tradeflow/internal/reconnect"
	"tradeflow/logger"
)

const writeWait = time.Second

// startStreamLocked launches the streaming session goroutine. Callers hold
// c.mu. A fresh reconnection manager is created per session so a stopped
// one from an earlier Disconnect cannot leak into the new session.
func (c *Core) startStreamLocked() {
	if c.stream == nil || !c.profile.Capabilities.WebsocketStreams || c.streamRunning {
		return
	}
	delay := c.profile.ReconnectDelay
	if delay <= 0 {
		delay = c.profile.RateLimits.WebsocketConnections.ReconnectDelay
	}
	c.recon = reconnect.New(delay, c.expBackoff)

	ctx, cancel := context.WithCancel(context.Background())
	c.streamCancel = cancel
	done := make(chan struct{})
	c.streamDone = done
	c.streamRunning = true

	recon := c.recon
	go func() {
		defer close(done)
		defer func() {
			c.mu.Lock()
			c.streamRunning = false
			c.mu.Unlock()
		}()
		c.runStream(ctx, recon)
	}()
}

// runStream is the session loop: dial, replay the tracked subscription set,
// pump messages, and on any failure back off and try again until stopped.
func (c *Core) runStream(ctx context.Context, recon *reconnect.Manager) {
	for {
		if ctx.Err() != nil {
			return
		}

		url, err := c.stream.StreamURL(ctx)
		if err != nil {
			c.streamFailure("resolve stream endpoint", err)
			if recon.Wait(ctx) {
				return
			}
			continue
		}

		conn, _, err := c.dialer.DialContext(ctx, url, nil)
		if err != nil {
			c.streamFailure("dial", err)
			if recon.Wait(ctx) {
				return
			}
			continue
		}
		c.setConn(conn)

		// Replay every tracked subscription; set equality with the
		// pre-disconnect set is what matters, not order.
		if err := c.sendSubscribe(c.Subscriptions()); err != nil {
			c.setConn(nil)
			conn.Close()
			c.streamFailure("subscribe", err)
			if recon.Wait(ctx) {
				return
			}
			continue
		}

		recon.Reset()
		c.streamRestored()

		pingStop := c.startKeepAlive(ctx, conn)
		readErr := c.readLoop(ctx, conn)
		pingStop()

		c.setConn(nil)
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		c.streamFailure("read", readErr)
		if recon.Wait(ctx) {
			return
		}
	}
}

func (c *Core) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		update, err := c.stream.HandleMessage(raw)
		if err != nil {
			c.log.WithError(err).Debug("unparseable stream message")
			continue
		}
		if update == nil {
			continue
		}
		c.applyUpdate(update)
	}
}

// applyUpdate is the single writer of the connector's market caches.
func (c *Core) applyUpdate(u *StreamUpdate) {
	if u.Ticker != nil {
		c.cache.SetTicker(*u.Ticker)
		c.publish(model.Event{
			Type:     model.EventTickerUpdate,
			Exchange: c.ID(),
			Symbol:   u.Ticker.Symbol,
			Ticker:   u.Ticker,
		})
	}
	if u.Book != nil {
		b := c.trackedBook(u.Book.Symbol)
		b.Replace(u.Book.Bids, u.Book.Asks, u.Book.Timestamp)
		c.publishBook(u.Book.Symbol)
	}
	if u.Delta != nil {
		b := c.trackedBook(u.Delta.Symbol)
		for _, l := range u.Delta.Bids {
			b.Update(model.SideBuy, l.Price, l.Quantity, u.Delta.Timestamp)
		}
		for _, l := range u.Delta.Asks {
			b.Update(model.SideSell, l.Price, l.Quantity, u.Delta.Timestamp)
		}
		c.publishBook(u.Delta.Symbol)
	}
}

func (c *Core) trackedBook(symbol string) *book.Book {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.books[symbol]
	if !ok {
		b = book.New(c.ID(), symbol)
		c.books[symbol] = b
	}
	return b
}

func (c *Core) publishBook(symbol string) {
	c.mu.Lock()
	b, ok := c.books[symbol]
	c.mu.Unlock()
	if !ok {
		return
	}
	snap := b.Snapshot(defaultBookDepth)
	c.cache.SetBook(snap)
	c.publish(model.Event{
		Type:      model.EventOrderbookUpdate,
		Exchange:  c.ID(),
		Symbol:    symbol,
		OrderBook: &snap,
	})
}

func (c *Core) setConn(conn *websocket.Conn) {
	c.wsMu.Lock()
	c.conn = conn
	c.wsMu.Unlock()
}

// writePayload serialises writes to the socket. Byte and string payloads go
// out as text frames, a []interface{} as one frame per element (protocols
// that need separate subscribe messages per topic), everything else as JSON.
func (c *Core) writePayload(payload interface{}) error {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if c.conn == nil {
		return model.ErrNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	switch p := payload.(type) {
	case []byte:
		return c.conn.WriteMessage(websocket.TextMessage, p)
	case string:
		return c.conn.WriteMessage(websocket.TextMessage, []byte(p))
	case []interface{}:
		for _, frame := range p {
			if err := c.conn.WriteJSON(frame); err != nil {
				return err
			}
		}
		return nil
	default:
		return c.conn.WriteJSON(p)
	}
}

func (c *Core) sendSubscribe(syms []string) error {
	if len(syms) == 0 {
		return nil
	}
	payload, err := c.stream.SubscribePayload(syms)
	if err != nil {
		return err
	}
	return c.writePayload(payload)
}

func (c *Core) startKeepAlive(ctx context.Context, conn *websocket.Conn) func() {
	payload, interval := c.stream.KeepAlive()
	if interval <= 0 {
		return func() {}
	}
	pingCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				if err := c.writePayload(payload); err != nil {
					c.log.WithError(err).Warn("keepalive write failed")
					return
				}
			}
		}
	}()
	return cancel
}

// streamFailure degrades the connector while the stream is down; REST keeps
// serving until the next reconnect attempt succeeds.
func (c *Core) streamFailure(op string, err error) {
	c.log.WithError(err).WithField("op", op).Warn("stream session failure")
	c.markDegraded(model.NewConnectionError(c.ID(), "stream "+op, err))
}

// streamRestored lifts a degraded connector back to connected once the
// stream is re-established and subscriptions are replayed.
func (c *Core) streamRestored() {
	restored := false
	c.mu.Lock()
	if c.state == StateDegraded || c.state == StateError {
		c.transitionLocked(StateConnecting)
		restored = c.transitionLocked(StateConnected)
	}
	c.mu.Unlock()
	if restored {
		c.publish(model.Event{Type: model.EventConnected, Exchange: c.ID()})
		c.metrics.LogMetric("connector", "stream_reconnects", 1, logger.Fields{"exchange": c.ID()})
		c.log.WithFields(logger.Fields{"subscriptions": len(c.Subscriptions())}).
			Info("stream session restored")
	}
}
