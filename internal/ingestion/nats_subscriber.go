package ingestion

import (
	"WalletPnL/internal/event"
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// RunHandler is called for every successful ingestion run announced on the
// stream.
type RunHandler func(run event.IngestionRun)

// RunSubscriber follows ingestion run notifications. Every service instance
// needs every message, so it uses an ordered ephemeral consumer that starts
// at new messages.
type RunSubscriber struct {
	js       jetstream.JetStream
	logger   zerolog.Logger
	consumer jetstream.ConsumeContext
}

func NewRunSubscriber(js jetstream.JetStream, logger zerolog.Logger) *RunSubscriber {
	return &RunSubscriber{js: js, logger: logger}
}

// Subscribe starts delivering successful runs to handle. Error runs are
// not delivered since readers never switch to them.
func (s *RunSubscriber) Subscribe(ctx context.Context, handle RunHandler) error {
	consumer, err := s.js.OrderedConsumer(ctx, PriceStreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{RunSubject(event.RunStatusSuccess)},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("create ordered consumer on %s: %w", PriceStreamName, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		var run event.IngestionRun
		if err := json.Unmarshal(msg.Data(), &run); err != nil {
			s.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("dropping malformed run event")
			return
		}
		handle(run)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", PriceStreamName, err)
	}
	s.consumer = cc
	s.logger.Info().Str("stream", PriceStreamName).Msg("subscribed to ingestion runs")
	return nil
}

// Stop stops delivery.
func (s *RunSubscriber) Stop() {
	if s.consumer != nil {
		s.consumer.Stop()
	}
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("walletpnl"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
