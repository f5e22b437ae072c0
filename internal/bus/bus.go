// Package bus relays broadcast tick summaries to NATS for external
// consumers (dashboards, recorders). The relay is optional: a nil
// *Publisher is safe to call and publishes nothing.
package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const (
	subjectTick = "esphub.tick"

	connectTimeout = 5 * time.Second
	reconnectWait  = 2 * time.Second
)

// TickEvent summarizes one broadcast tick.
type TickEvent struct {
	ServerTime float64 `json:"serverTime"`
	Revision   int64   `json:"revision"`
	Changed    bool    `json:"changed"`
	Players    int     `json:"players"`
	Entities   int     `json:"entities"`
	Waypoints  int     `json:"waypoints"`
	Upserts    int     `json:"upserts"`
	Deletes    int     `json:"deletes"`
}

// Publisher pushes tick events to NATS.
type Publisher struct {
	conn   *nats.Conn
	logger zerolog.Logger
}

// Connect dials the NATS server. Publishing is fire-and-forget; reconnects
// are handled by the client with unlimited retries.
func Connect(url string, logger zerolog.Logger) (*Publisher, error) {
	conn, err := nats.Connect(url,
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("Event bus disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("Event bus reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect event bus: %w", err)
	}
	return &Publisher{conn: conn, logger: logger}, nil
}

// PublishTick emits one tick summary. Errors are logged, never propagated;
// the broadcast path does not depend on the bus.
func (p *Publisher) PublishTick(event TickEvent) {
	if p == nil || p.conn == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to marshal tick event")
		return
	}
	if err := p.conn.Publish(subjectTick, payload); err != nil {
		p.logger.Warn().Err(err).Msg("Failed to publish tick event")
	}
}

// Close drains and closes the connection.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}
