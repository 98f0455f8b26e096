// Package kafka provides a sink that produces each point as a Kafka record
// using franz-go.
package kafka

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"

	"labrecorder/internal/logging"
	"labrecorder/internal/point"
	"labrecorder/internal/sink"
)

// SASLConfig holds SASL authentication parameters.
type SASLConfig struct {
	Mechanism string // "plain", "scram-sha-256", "scram-sha-512"
	User      string
	Password  string //nolint:gosec // G117: config field, not a hardcoded credential
}

// Config holds Kafka sink configuration.
type Config struct {
	Brokers []string
	Topic   string
	Format  sink.Format
	TLS     bool
	SASL    *SASLConfig
	Timeout time.Duration
}

// Sink produces one record per point, keyed by measurement.
type Sink struct {
	cfg    Config
	client *kgo.Client
	logger *slog.Logger
}

var _ sink.Sink = (*Sink)(nil)

// NewFactory returns a factory for Kafka sinks.
func NewFactory() sink.Factory {
	return func(ctx context.Context, params map[string]string, logger *slog.Logger) (sink.Sink, error) {
		cfg, err := parseParams(params)
		if err != nil {
			return nil, err
		}
		return Open(ctx, cfg, logger)
	}
}

func parseParams(params map[string]string) (Config, error) {
	brokers := params["brokers"]
	if brokers == "" {
		return Config{}, fmt.Errorf("%w: brokers param is required", sink.ErrInvalidParams)
	}
	topic := params["topic"]
	if topic == "" {
		return Config{}, fmt.Errorf("%w: topic param is required", sink.ErrInvalidParams)
	}
	format, err := sink.ParseFormat(params["format"])
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Topic:   topic,
		Format:  format,
		TLS:     params["tls"] == "true",
		Timeout: 10 * time.Second,
	}
	for b := range strings.SplitSeq(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			cfg.Brokers = append(cfg.Brokers, b)
		}
	}
	if v := params["timeout"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("%w: invalid timeout %q", sink.ErrInvalidParams, v)
		}
		cfg.Timeout = d
	}
	if mech := params["sasl_mechanism"]; mech != "" {
		switch strings.ToLower(mech) {
		case "plain", "scram-sha-256", "scram-sha-512":
		default:
			return Config{}, fmt.Errorf("%w: unsupported sasl_mechanism %q (supported: plain, scram-sha-256, scram-sha-512)", sink.ErrInvalidParams, mech)
		}
		cfg.SASL = &SASLConfig{
			Mechanism: strings.ToLower(mech),
			User:      params["sasl_user"],
			Password:  params["sasl_password"],
		}
	}
	return cfg, nil
}

// Open creates the producer and pings the cluster.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Sink, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.AllowAutoTopicCreation(),
		kgo.RecordDeliveryTimeout(cfg.Timeout),
	}
	if cfg.TLS {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		}))
	}
	if cfg.SASL != nil {
		mech, err := buildSASLMechanism(cfg.SASL)
		if err != nil {
			return nil, err
		}
		opts = append(opts, kgo.SASL(mech))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping brokers %v: %w", sink.ErrValidation, cfg.Brokers, err)
	}

	s := &Sink{
		cfg:    cfg,
		client: client,
		logger: logging.Default(logger).With("component", "sink", "kind", sink.KindKafka, "topic", cfg.Topic),
	}
	s.logger.Info("kafka sink opened", "brokers", cfg.Brokers, "format", cfg.Format)
	return s, nil
}

func (s *Sink) Kind() sink.Kind { return sink.KindKafka }

// Write produces p synchronously.
func (s *Sink) Write(ctx context.Context, p point.Point) error {
	rec, err := newRecord(s.cfg, p)
	if err != nil {
		return err
	}
	return s.client.ProduceSync(ctx, rec).FirstErr()
}

func (s *Sink) Close() error {
	s.client.Close()
	return nil
}

func newRecord(cfg Config, p point.Point) (*kgo.Record, error) {
	value, err := sink.Encode(cfg.Format, p)
	if err != nil {
		return nil, err
	}
	return &kgo.Record{
		Topic:     cfg.Topic,
		Key:       []byte(p.Measurement),
		Value:     value,
		Timestamp: p.Time,
		Headers: []kgo.RecordHeader{
			{Key: "content-type", Value: []byte(cfg.Format.ContentType())},
		},
	}, nil
}

// buildSASLMechanism constructs the appropriate SASL mechanism.
func buildSASLMechanism(cfg *SASLConfig) (sasl.Mechanism, error) {
	switch cfg.Mechanism {
	case "plain":
		return plain.Auth{
			User: cfg.User,
			Pass: cfg.Password,
		}.AsMechanism(), nil
	case "scram-sha-256":
		return scram.Auth{
			User: cfg.User,
			Pass: cfg.Password,
		}.AsSha256Mechanism(), nil
	case "scram-sha-512":
		return scram.Auth{
			User: cfg.User,
			Pass: cfg.Password,
		}.AsSha512Mechanism(), nil
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %q", cfg.Mechanism)
	}
}
