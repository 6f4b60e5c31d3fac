package stream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/racesync/racesync/internal/metrics"
	"github.com/racesync/racesync/internal/race"
	"github.com/rs/zerolog/log"
)

// ListenerConfig holds configuration for the websocket push listener.
type ListenerConfig struct {
	URL              string
	HandshakeTimeout time.Duration
	MinBackoff       time.Duration
	MaxBackoff       time.Duration
	PingInterval     time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	MaxMessageSize   int64
}

// DefaultListenerConfig returns defaults matching the race feed.
func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		URL:              "ws://localhost:4001/stream",
		HandshakeTimeout: 10 * time.Second,
		MinBackoff:       500 * time.Millisecond,
		MaxBackoff:       30 * time.Second,
		PingInterval:     30 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
		MaxMessageSize:   64 * 1024,
	}
}

// Listener maintains one long-lived websocket connection to the race feed
// and dispatches its events through the shared hub. The connection is
// dialed lazily on the first Subscribe and reconnects with exponential
// backoff. While disconnected no events are delivered and none are
// fabricated; consumers must tolerate silence.
type Listener struct {
	*Hub

	config ListenerConfig
	dialer *websocket.Dialer
	clock  clockwork.Clock

	startOnce startOnce
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewListener creates a listener. The connection is not dialed until the
// first subscription arrives.
func NewListener(config ListenerConfig, clock clockwork.Clock) *Listener {
	return &Listener{
		Hub:    NewHub(),
		config: config,
		dialer: &websocket.Dialer{
			HandshakeTimeout: config.HandshakeTimeout,
		},
		clock: clock,
		done:  make(chan struct{}),
	}
}

// Subscribe implements Source, lazily starting the connection loop.
func (l *Listener) Subscribe(kinds ...race.EventKind) *Subscription {
	l.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		l.cancel = cancel
		go l.run(ctx)
	})
	return l.add(kinds)
}

// Shutdown tears down the shared connection. Call only at process exit.
func (l *Listener) Shutdown() {
	if l.startOnce.Started() && l.cancel != nil {
		l.cancel()
		<-l.done
	}
	l.closeAll()
}

// run dials, reads until failure, and reconnects with backoff until the
// context is canceled.
func (l *Listener) run(ctx context.Context) {
	defer close(l.done)

	backoff := l.config.MinBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := l.dialer.DialContext(ctx, l.config.URL, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.StreamReconnect()
			log.Warn().
				Err(err).
				Str("url", l.config.URL).
				Dur("backoff", backoff).
				Msg("push connection failed, backing off")
			if !l.sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, l.config.MaxBackoff)
			continue
		}

		log.Info().Str("url", l.config.URL).Msg("push connection established")
		l.SetConnected(true)
		backoff = l.config.MinBackoff

		l.readLoop(ctx, conn)

		l.SetConnected(false)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		log.Warn().Str("url", l.config.URL).Msg("push connection lost, reconnecting")
	}
}

// readLoop consumes events from one connection until it breaks.
func (l *Listener) readLoop(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(l.config.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(l.config.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(l.config.ReadTimeout))
		return nil
	})

	pingCtx, stopPings := context.WithCancel(ctx)
	defer stopPings()
	go l.pingLoop(pingCtx, conn)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Error().Err(err).Msg("unexpected push connection close")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(l.config.ReadTimeout))

		var ev race.Event
		if err := json.Unmarshal(message, &ev); err != nil {
			log.Error().Err(err).Msg("malformed push event, skipping")
			continue
		}
		if ev.Kind == "" || ev.RaceID == "" {
			log.Debug().RawJSON("message", message).Msg("push event missing kind or race id, skipping")
			continue
		}
		l.Dispatch(&ev)
	}
}

// pingLoop keeps the connection's read deadline honest from our side.
func (l *Listener) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := l.clock.NewTicker(l.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			deadline := time.Now().Add(l.config.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Debug().Err(err).Msg("ping failed, reader will notice the broken connection")
				return
			}
		}
	}
}

// sleep waits for d on the injected clock. Returns false if the context
// ended first.
func (l *Listener) sleep(ctx context.Context, d time.Duration) bool {
	timer := l.clock.NewTimer(d)
	defer stopAndDrainTimer(timer)
	select {
	case <-timer.Chan():
		return true
	case <-ctx.Done():
		return false
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		next = max
	}
	return next
}

func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
