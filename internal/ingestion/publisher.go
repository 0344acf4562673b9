package ingestion

import (
	"WalletPnL/internal/event"
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	// PriceStreamName holds ingestion run notifications.
	PriceStreamName = "PNL_PRICES"
	// Subjects are pnl.prices.ingested.{status}.
	priceSubjectPrefix = "pnl.prices.ingested"
)

// RunSubject returns the subject a run with the given status is published on.
func RunSubject(status event.IngestionRunStatus) string {
	return fmt.Sprintf("%s.%s", priceSubjectPrefix, status)
}

// JetStreamPublisher publishes finished ingestion runs to JetStream.
type JetStreamPublisher struct {
	js     jetstream.JetStream
	logger zerolog.Logger
}

func NewJetStreamPublisher(js jetstream.JetStream, logger zerolog.Logger) *JetStreamPublisher {
	return &JetStreamPublisher{js: js, logger: logger}
}

func (p *JetStreamPublisher) PublishRun(ctx context.Context, run event.IngestionRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	subject := RunSubject(run.Status)
	// Dedup on run ID so a retried publish is stored once.
	ack, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(run.RunID))
	if err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	p.logger.Debug().Str("subject", subject).Uint64("stream_seq", ack.Sequence).Msg("run published")
	return nil
}

// NopPublisher discards runs. Used when NATS is not configured.
type NopPublisher struct{}

func (NopPublisher) PublishRun(context.Context, event.IngestionRun) error { return nil }

// EnsurePriceStream creates the run notification stream.
func EnsurePriceStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       PriceStreamName,
		Subjects:   []string{priceSubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", PriceStreamName, err)
	}
	return nil
}
