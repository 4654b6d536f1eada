package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// pgChannel is the single Postgres LISTEN/NOTIFY channel multiplexing every
// Agendo bus channel. Postgres identifiers can't easily carry the dynamic
// "events:<uuid>"/"control:<uuid>" names the bus uses, so every NOTIFY
// carries an envelope naming the logical channel; subscribers never see
// this multiplexing.
const pgChannel = "agendo_bus"

type envelope struct {
	Channel string          `json:"channel"`
	Origin  string          `json:"origin"`
	Payload json.RawMessage `json:"payload"`
}

// bridgeOrigin tags every NOTIFY this process sends, so listenOnce can skip
// its own messages, which Publish has already dispatched locally.
var bridgeOrigin = ulid.Make().String()

// PGBridge mirrors Bus.Publish calls out to Postgres NOTIFY and republishes
// NOTIFYs originating from other worker processes back onto the local bus,
// grounded on the LISTEN/NOTIFY shape used by agent frameworks that
// distribute work across a Postgres-backed queue. There is no polling
// fallback: NOTIFYs sent while the LISTEN connection is down are not seen.
type PGBridge struct {
	dsn          string
	bus          *Bus
	log          zerolog.Logger
	pollInterval time.Duration
}

// NewPGBridge constructs a bridge. Call Listen in a goroutine before
// attaching it to a Bus with SetNotifier.
func NewPGBridge(dsn string, bus *Bus, log zerolog.Logger) *PGBridge {
	return &PGBridge{dsn: dsn, bus: bus, log: log, pollInterval: 2 * time.Second}
}

// Notify implements Notifier by issuing a pg_notify with the encoded
// envelope. A fresh short-lived connection is used rather than holding one
// open, since NOTIFY is fire-and-forget and infrequent relative to local
// dispatch.
func (p *PGBridge) Notify(ctx context.Context, channel string, msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode notify payload: %w", err)
	}
	env, err := json.Marshal(envelope{Channel: channel, Origin: bridgeOrigin, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode notify envelope: %w", err)
	}

	conn, err := pgx.Connect(ctx, p.dsn)
	if err != nil {
		return fmt.Errorf("notify connect: %w", err)
	}
	defer conn.Close(ctx)

	_, err = conn.Exec(ctx, "select pg_notify($1, $2)", pgChannel, string(env))
	return err
}

// Listen holds a dedicated LISTEN connection open and republishes every
// NOTIFY from another worker to the local bus via dispatchLocal, reconnecting
// after a fixed pollInterval delay (2s) if the connection drops. It returns
// only when ctx is canceled.
func (p *PGBridge) Listen(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := p.listenOnce(ctx); err != nil && ctx.Err() == nil {
			p.log.Warn().Err(err).Msg("event bus notify listener dropped, reconnecting")
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.pollInterval):
			}
		}
	}
}

func (p *PGBridge) listenOnce(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, p.dsn)
	if err != nil {
		return fmt.Errorf("listen connect: %w", err)
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, "listen "+pgx.Identifier{pgChannel}.Sanitize()); err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var env envelope
		if err := json.Unmarshal([]byte(n.Payload), &env); err != nil {
			p.log.Warn().Err(err).Msg("malformed event bus notify envelope, dropping")
			continue
		}
		if env.Origin == bridgeOrigin {
			continue
		}
		var payload any
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			p.log.Warn().Err(err).Msg("malformed event bus notify payload, dropping")
			continue
		}
		p.bus.dispatchLocal(env.Channel, payload)
	}
}
