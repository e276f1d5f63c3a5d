package eventstream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// TransportConfig configures the JetStream stream backing the event
// stream, following the teacher's `POLYMARKET` stream conventions
// generalized to a configurable name/prefix.
type TransportConfig struct {
	URL             string
	StreamName      string        // default "PONDER"
	SubjectPrefix   string        // default "PONDER", subjects are "{prefix}.{chainId}"
	RetentionMaxAge time.Duration // default 24h
	DuplicateWindow time.Duration // default 20m, matches the teacher's publisher
	ConsumerName    string
}

// DefaultTransportConfig returns the teacher-derived defaults.
func DefaultTransportConfig(url string) TransportConfig {
	return TransportConfig{
		URL:             url,
		StreamName:      "PONDER",
		SubjectPrefix:   "PONDER",
		RetentionMaxAge: 24 * time.Hour,
		DuplicateWindow: 20 * time.Minute,
		ConsumerName:    "ponder-scheduler",
	}
}

// Publisher publishes merged batches to JetStream with per-event
// deduplication, so republishing an already-delivered batch after a
// crash is a no-op on the broker side.
type Publisher struct {
	js     jetstream.JetStream
	nc     *nats.Conn
	cfg    TransportConfig
	logger zerolog.Logger
}

// NewPublisher connects to NATS and ensures the configured stream
// exists before any batch is published to it.
func NewPublisher(ctx context.Context, cfg TransportConfig, logger zerolog.Logger) (*Publisher, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("ponder"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Error().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("eventstream: connect nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("eventstream: jetstream context: %w", err)
	}

	createCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err = js.CreateOrUpdateStream(createCtx, jetstream.StreamConfig{
		Name:       cfg.StreamName,
		Subjects:   []string{cfg.SubjectPrefix + ".>"},
		MaxAge:     cfg.RetentionMaxAge,
		Storage:    jetstream.FileStorage,
		Duplicates: cfg.DuplicateWindow,
		Retention:  jetstream.LimitsPolicy,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("eventstream: create stream: %w", err)
	}

	logger.Info().Str("stream", cfg.StreamName).Msg("eventstream publisher connected")
	return &Publisher{js: js, nc: nc, cfg: cfg, logger: logger.With().Str("component", "eventstream.publisher").Logger()}, nil
}

// PublishBatch publishes every event in the batch, deduplicated by
// (chainId, checkpoint).
func (p *Publisher) PublishBatch(ctx context.Context, batch Batch) error {
	for _, ev := range batch.Events {
		subject := fmt.Sprintf("%s.%d", p.cfg.SubjectPrefix, ev.Log.ChainID)
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("eventstream: marshal event: %w", err)
		}
		msgID := fmt.Sprintf("%d-%s", ev.Log.ChainID, ev.Log.Checkpoint)
		if _, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(msgID)); err != nil {
			return fmt.Errorf("eventstream: publish %s: %w", msgID, err)
		}
	}
	return nil
}

// Healthy reports whether the underlying NATS connection is up.
func (p *Publisher) Healthy() bool { return p.nc != nil && p.nc.IsConnected() }

// Close releases the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}

// Subscriber is a durable JetStream consumer the indexing scheduler
// drives, adapted from cmd/consumer/main.go's CreateOrUpdateConsumer +
// Consume pattern.
type Subscriber struct {
	nc      *nats.Conn
	cons    jetstream.Consumer
	consCtx jetstream.ConsumeContext
	logger  zerolog.Logger
}

// HandlerFunc processes one delivered event; returning an error Naks the
// message for redelivery, matching the teacher's retry-via-Nak
// behavior.
type HandlerFunc func(ctx context.Context, raw []byte) error

// NewSubscriber connects and creates (or reuses) the durable consumer.
func NewSubscriber(ctx context.Context, cfg TransportConfig, logger zerolog.Logger) (*Subscriber, error) {
	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("eventstream: connect nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("eventstream: jetstream context: %w", err)
	}

	cons, err := js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
		Name:          cfg.ConsumerName,
		Durable:       cfg.ConsumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    3,
		AckWait:       30 * time.Second,
		FilterSubject: cfg.SubjectPrefix + ".>",
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("eventstream: create consumer: %w", err)
	}

	return &Subscriber{nc: nc, cons: cons, logger: logger.With().Str("component", "eventstream.subscriber").Logger()}, nil
}

// Consume begins delivering messages to handle until Close is called.
func (s *Subscriber) Consume(ctx context.Context, handle HandlerFunc) error {
	consCtx, err := s.cons.Consume(func(msg jetstream.Msg) {
		if err := handle(ctx, msg.Data()); err != nil {
			s.logger.Error().Err(err).Str("subject", msg.Subject()).Msg("handler failed, nak for redelivery")
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("eventstream: consume: %w", err)
	}
	s.consCtx = consCtx
	return nil
}

// Close stops delivery and releases the NATS connection.
func (s *Subscriber) Close() {
	if s.consCtx != nil {
		s.consCtx.Stop()
	}
	if s.nc != nil {
		s.nc.Close()
	}
}
