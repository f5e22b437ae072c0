package transport

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/prof-chen/esphub/internal/limits"
	"github.com/prof-chen/esphub/internal/logging"
	"github.com/prof-chen/esphub/internal/metrics"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 5 * time.Second

	// Time allowed to read the next frame from the peer. Control-frame
	// traffic (pong replies) resets it.
	pongWait = 60 * time.Second

	// Ping cadence; must be under pongWait.
	pingPeriod = 30 * time.Second

	// Outbound buffer per connection. A subscriber that falls this many
	// messages behind is dropped by the hub.
	sendBuffer = 256
)

var errSendBufferFull = errors.New("send buffer full")
var errConnClosed = errors.New("connection closed")

// Conn adapts one WebSocket connection to the hub's Session interface.
// Send is a non-blocking enqueue into the write pump's channel.
type Conn struct {
	id     string
	conn   net.Conn
	send   chan []byte
	closed atomic.Bool

	closeOnce sync.Once
	logger    zerolog.Logger
	limiter   *limits.MessageLimiter
}

func newConn(id string, raw net.Conn, logger zerolog.Logger, limiter *limits.MessageLimiter) *Conn {
	return &Conn{
		id:      id,
		conn:    raw,
		send:    make(chan []byte, sendBuffer),
		logger:  logger,
		limiter: limiter,
	}
}

// ID returns the connection id.
func (c *Conn) ID() string {
	return c.id
}

// Send enqueues a frame without blocking. A full buffer or closed
// connection is an error; the hub prunes the subscriber in response.
func (c *Conn) Send(payload []byte) error {
	if c.closed.Load() {
		return errConnClosed
	}
	select {
	case c.send <- payload:
		return nil
	default:
		metrics.SendDropped()
		return errSendBufferFull
	}
}

// Close tears down the underlying connection. The pumps exit on their next
// I/O error.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.conn.Close()
	})
}

// readPump reads frames and hands them to the provided handler. It returns
// when the connection dies; the caller is responsible for detaching the
// session from the hub.
func (c *Conn) readPump(onFrame func([]byte)) {
	defer logging.RecoverPanic(c.logger, "read_pump")
	defer c.Close()

	for {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		payload, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			c.logger.Debug().Err(err).Str("conn", c.id).Msg("Read pump exiting")
			return
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}
		if c.limiter != nil && !c.limiter.Allow() {
			metrics.MessageRateLimited()
			continue
		}
		onFrame(payload)
	}
}

// writePump drains the send channel, batching queued frames into one flush
// to cut syscalls, and keeps the connection alive with pings.
func (c *Conn) writePump() {
	defer logging.RecoverPanic(c.logger, "write_pump")

	writer := bufio.NewWriter(c.conn)
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				wsutil.WriteServerMessage(c.conn, ws.OpClose, []byte{})
				return
			}

			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(writer, ws.OpText, payload); err != nil {
				c.logger.Debug().Err(err).Str("conn", c.id).Msg("Write failed")
				return
			}

			// Drain whatever else queued up while we were writing.
			n := len(c.send)
			for i := 0; i < n; i++ {
				payload = <-c.send
				if err := wsutil.WriteServerMessage(writer, ws.OpText, payload); err != nil {
					c.logger.Debug().Err(err).Str("conn", c.id).Msg("Write failed")
					return
				}
			}

			if err := writer.Flush(); err != nil {
				c.logger.Debug().Err(err).Str("conn", c.id).Msg("Flush failed")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				c.logger.Debug().Err(err).Str("conn", c.id).Msg("Ping failed")
				return
			}
		}
	}
}
