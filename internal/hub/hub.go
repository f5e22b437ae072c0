// Package hub runs the state-synchronization actor: a single goroutine
// that owns all mutable world state and serializes ingest, broadcast and
// admin traffic through a command channel.
package hub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/prof-chen/esphub/internal/bus"
	"github.com/prof-chen/esphub/internal/logging"
	"github.com/prof-chen/esphub/internal/state"
)

// Session is the hub's handle on one WebSocket connection. Send must be a
// non-blocking enqueue: it returns an error when the connection's outbound
// buffer is full or the connection is closed, and the hub reacts by pruning
// the subscriber after the dispatch loop.
type Session interface {
	ID() string
	Send(payload []byte) error
	Close()
}

const commandBuffer = 1024

// Options configures a Hub.
type Options struct {
	Logger            zerolog.Logger
	State             *state.State
	Bus               *bus.Publisher // optional
	DigestIntervalSec float64
	TickInterval      time.Duration
	Metrics           Metrics
}

// Metrics decouples the hub from the Prometheus package so tests can run
// without a registry.
type Metrics interface {
	MessageReceived(msgType string)
	MessageSent(msgType string)
	RecordTick(changed bool, rev int64)
	RecordPoolSizes(players, entities, waypoints int)
	RefreshRequestSent(reason string)
	ValidationFailure(scope string)
	RecordDisconnect(reason string)
}

// Hub is the single-owner actor over the world state.
type Hub struct {
	logger zerolog.Logger
	state  *state.State
	bus    *bus.Publisher
	meters Metrics

	digestIntervalSec float64
	tickInterval      time.Duration

	// sources maps submitPlayerId -> live session; bySession is the
	// reverse index used on disconnect.
	sources   map[string]Session
	bySession map[Session]string
	admins    map[string]Session

	// Missing-baseline refresh requests queued during patch ingest,
	// flushed after the next broadcast tick.
	pendingRefresh map[string]*state.RefreshSet

	commands chan func()

	// now returns epoch seconds; replaced in tests.
	now func() float64
}

// New creates a hub actor. Run must be called for commands to execute.
func New(opts Options) *Hub {
	meters := opts.Metrics
	if meters == nil {
		meters = nopMetrics{}
	}
	tick := opts.TickInterval
	if tick <= 0 {
		tick = time.Second
	}
	return &Hub{
		logger:            opts.Logger,
		state:             opts.State,
		bus:               opts.Bus,
		meters:            meters,
		digestIntervalSec: opts.DigestIntervalSec,
		tickInterval:      tick,
		sources:           map[string]Session{},
		bySession:         map[Session]string{},
		admins:            map[string]Session{},
		pendingRefresh:    map[string]*state.RefreshSet{},
		commands:          make(chan func(), commandBuffer),
		now:               func() float64 { return float64(time.Now().UnixNano()) / 1e9 },
	}
}

// Run executes commands until the context is cancelled. The periodic tick
// keeps timeout cleanup and pre-expiry refreshes going when no ingest
// traffic arrives.
func (h *Hub) Run(ctx context.Context) {
	defer logging.RecoverPanic(h.logger, "hub")

	ticker := time.NewTicker(h.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-h.commands:
			cmd()
		case <-ticker.C:
			h.broadcastUpdates(false)
		}
	}
}

// do enqueues a command for the actor goroutine.
func (h *Hub) do(cmd func()) {
	h.commands <- cmd
}

// HandleClientFrame enqueues one inbound subscriber frame.
func (h *Hub) HandleClientFrame(sess Session, frame []byte) {
	h.do(func() { h.handleClientFrame(sess, frame) })
}

// ClientClosed enqueues a subscriber disconnect.
func (h *Hub) ClientClosed(sess Session) {
	h.do(func() { h.clientClosed(sess) })
}

// AdminAttach registers an admin connection and pushes it an immediate
// snapshot.
func (h *Hub) AdminAttach(sess Session) {
	h.do(func() {
		h.admins[sess.ID()] = sess
		h.broadcastAdminSnapshot(h.now())
	})
}

// AdminFrame enqueues one inbound admin frame.
func (h *Hub) AdminFrame(sess Session, frame []byte) {
	h.do(func() { h.handleAdminFrame(sess, frame) })
}

// AdminDetach removes an admin connection.
func (h *Hub) AdminDetach(sess Session) {
	h.do(func() { delete(h.admins, sess.ID()) })
}

// HTTPSnapshot builds the /snapshot response on the actor goroutine.
func (h *Hub) HTTPSnapshot(ctx context.Context) ([]byte, error) {
	reply := make(chan []byte, 1)
	h.do(func() {
		now := h.now()
		payload, err := json.Marshal(map[string]any{
			"server_time":       now,
			"players":           h.state.Players,
			"entities":          h.state.Entities,
			"waypoints":         h.state.Waypoints,
			"connections":       h.state.ConnectionIDs(),
			"connections_count": h.state.ConnectionCount(),
			"revision":          h.state.Revision(),
			"digests":           h.state.BuildDigests(),
		})
		if err != nil {
			h.logger.Error().Err(err).Msg("Failed to serialize snapshot")
			reply <- nil
			return
		}
		reply <- payload
	})
	select {
	case payload := <-reply:
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// clientClosed prunes a departed subscriber and tells everyone else.
func (h *Hub) clientClosed(sess Session) {
	sourceID, known := h.bySession[sess]
	delete(h.bySession, sess)
	if !known {
		return
	}
	// A reconnect may have replaced this session already; only the
	// current session's close prunes the source.
	if current, ok := h.sources[sourceID]; !ok || current != sess {
		return
	}
	delete(h.sources, sourceID)
	h.state.RemoveConnection(sourceID)
	delete(h.pendingRefresh, sourceID)
	h.meters.RecordDisconnect("client_closed")
	h.logger.Info().Str("source", sourceID).Msg("Client disconnected")
	h.broadcastUpdates(false)
}

// registerSource binds a source id to a session, replacing any previous
// session for that id.
func (h *Hub) registerSource(sourceID string, sess Session) {
	h.sources[sourceID] = sess
	h.bySession[sess] = sourceID
	h.state.AddConnection(sourceID)
}

// send marshals and enqueues one message; returns false on failure so the
// caller can mark the subscriber for removal.
func (h *Hub) send(sess Session, msgType string, msg any) bool {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("msg_type", msgType).Msg("Failed to serialize outbound message")
		return true // state is fine, nothing to prune
	}
	if err := sess.Send(payload); err != nil {
		h.logger.Warn().Err(err).Str("conn", sess.ID()).Str("msg_type", msgType).Msg("Send failed")
		return false
	}
	h.meters.MessageSent(msgType)
	return true
}

type nopMetrics struct{}

func (nopMetrics) MessageReceived(string)      {}
func (nopMetrics) MessageSent(string)          {}
func (nopMetrics) RecordTick(bool, int64)      {}
func (nopMetrics) RecordPoolSizes(_, _, _ int) {}
func (nopMetrics) RefreshRequestSent(string)   {}
func (nopMetrics) ValidationFailure(string)    {}
func (nopMetrics) RecordDisconnect(string)     {}
