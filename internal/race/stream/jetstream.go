package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/racesync/racesync/internal/race"
	"github.com/rs/zerolog/log"
)

// JetStreamConfig holds configuration for the JetStream push source, used
// by deployments that bridge the race feed onto NATS.
type JetStreamConfig struct {
	URL           string
	StreamName    string
	ConsumerName  string
	SubjectFilter string        // e.g. "race.events.>"
	MaxDeliver    int           // max delivery attempts
	AckWait       time.Duration // how long to wait for ack
	MaxAckPending int           // max messages pending ack
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultJetStreamConfig returns default JetStream source configuration.
func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		URL:           nats.DefaultURL,
		StreamName:    "RACE_EVENTS",
		ConsumerName:  "racesync-engine",
		SubjectFilter: "race.events.>",
		MaxDeliver:    5,
		AckWait:       30 * time.Second,
		MaxAckPending: 100,
		MaxReconnects: -1, // infinite
		ReconnectWait: 2 * time.Second,
	}
}

// JetStreamSource consumes race events from a JetStream stream and feeds
// them through the shared hub, as an alternative to the direct websocket
// listener.
type JetStreamSource struct {
	*Hub

	nc       *nats.Conn
	js       jetstream.JetStream
	consumer jetstream.Consumer
	config   JetStreamConfig

	startOnce  startOnce
	cancel     context.CancelFunc
	consumeCtx jetstream.ConsumeContext
}

// NewJetStreamSource connects to NATS and ensures the durable consumer.
// Consumption starts lazily on the first Subscribe.
func NewJetStreamSource(config JetStreamConfig) (*JetStreamSource, error) {
	src := &JetStreamSource{
		Hub:    NewHub(),
		config: config,
	}

	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
			src.SetConnected(false)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
			src.SetConnected(true)
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	src.nc = nc
	src.js = js

	if err := src.ensureConsumer(context.Background()); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure consumer: %w", err)
	}

	src.SetConnected(true)
	return src, nil
}

// ensureConsumer creates or reuses the durable consumer.
func (s *JetStreamSource) ensureConsumer(ctx context.Context) error {
	str, err := s.js.Stream(ctx, s.config.StreamName)
	if err != nil {
		return fmt.Errorf("get stream: %w", err)
	}

	consumerConfig := jetstream.ConsumerConfig{
		Name:          s.config.ConsumerName,
		Durable:       s.config.ConsumerName,
		Description:   "race state reconciliation consumer",
		FilterSubject: s.config.SubjectFilter,
		DeliverPolicy: jetstream.DeliverLastPerSubjectPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    s.config.MaxDeliver,
		AckWait:       s.config.AckWait,
		MaxAckPending: s.config.MaxAckPending,
		ReplayPolicy:  jetstream.ReplayInstantPolicy,
	}

	consumer, err := str.Consumer(ctx, s.config.ConsumerName)
	if err != nil {
		consumer, err = str.CreateConsumer(ctx, consumerConfig)
		if err != nil {
			return fmt.Errorf("create consumer: %w", err)
		}
		log.Info().
			Str("consumer", s.config.ConsumerName).
			Str("stream", s.config.StreamName).
			Msg("created JetStream consumer")
	} else {
		log.Info().
			Str("consumer", s.config.ConsumerName).
			Str("stream", s.config.StreamName).
			Msg("using existing JetStream consumer")
	}

	s.consumer = consumer
	return nil
}

// Subscribe implements Source, lazily starting consumption.
func (s *JetStreamSource) Subscribe(kinds ...race.EventKind) *Subscription {
	s.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		consumeCtx, err := s.consumer.Consume(func(msg jetstream.Msg) {
			if err := s.processMessage(msg); err != nil {
				log.Error().Err(err).Str("subject", msg.Subject()).Msg("failed to process message")
				if nakErr := msg.Nak(); nakErr != nil {
					log.Error().Err(nakErr).Msg("failed to NAK message")
				}
				return
			}
			if ackErr := msg.Ack(); ackErr != nil {
				log.Error().Err(ackErr).Msg("failed to ACK message")
			}
		})
		if err != nil {
			log.Error().Err(err).Msg("failed to start JetStream consumer")
			cancel()
			return
		}
		s.consumeCtx = consumeCtx
		go func() {
			<-ctx.Done()
			consumeCtx.Stop()
		}()
	})
	return s.add(kinds)
}

// processMessage decodes one message into the shared event envelope and
// dispatches it.
func (s *JetStreamSource) processMessage(msg jetstream.Msg) error {
	var ev race.Event
	if err := json.Unmarshal(msg.Data(), &ev); err != nil {
		return fmt.Errorf("unmarshal event envelope: %w", err)
	}
	if ev.Kind == "" || ev.RaceID == "" {
		return fmt.Errorf("event envelope missing kind or race id")
	}

	log.Debug().
		Str("race_id", ev.RaceID).
		Str("kind", string(ev.Kind)).
		Str("subject", msg.Subject()).
		Msg("processing JetStream event")

	s.Dispatch(&ev)
	return nil
}

// Shutdown stops consumption and closes the NATS connection.
func (s *JetStreamSource) Shutdown() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.nc != nil {
		s.nc.Close()
	}
	s.closeAll()
}
