// Package mqtt provides a sink that publishes each point to an MQTT broker.
package mqtt

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"labrecorder/internal/logging"
	"labrecorder/internal/point"
	"labrecorder/internal/sink"
)

// Config holds MQTT sink configuration.
type Config struct {
	Broker   string
	Topic    string // may contain {measurement}
	QoS      byte
	Retain   bool
	ClientID string
	Username string
	Password string //nolint:gosec // config field, not a hardcoded credential
	Format   sink.Format
	Timeout  time.Duration
}

// Sink publishes one message per point.
type Sink struct {
	cfg    Config
	client paho.Client
	logger *slog.Logger
}

var _ sink.Sink = (*Sink)(nil)

// NewFactory returns a factory for MQTT sinks.
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
	cfg := Config{
		Broker:   params["broker"],
		Topic:    params["topic"],
		ClientID: cmp.Or(params["client_id"], "labrecorder-"+uuid.NewString()[:8]),
		Username: params["username"],
		Password: params["password"],
		Timeout:  10 * time.Second,
	}
	if cfg.Broker == "" {
		return Config{}, fmt.Errorf("%w: broker param is required", sink.ErrInvalidParams)
	}
	if cfg.Topic == "" {
		return Config{}, fmt.Errorf("%w: topic param is required", sink.ErrInvalidParams)
	}
	if v := params["qos"]; v != "" {
		q, err := strconv.Atoi(v)
		if err != nil || q < 0 || q > 2 {
			return Config{}, fmt.Errorf("%w: invalid qos %q (supported: 0, 1, 2)", sink.ErrInvalidParams, v)
		}
		cfg.QoS = byte(q)
	}
	if v := params["retain"]; v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("%w: invalid retain %q", sink.ErrInvalidParams, v)
		}
		cfg.Retain = b
	}
	if v := params["timeout"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("%w: invalid timeout %q", sink.ErrInvalidParams, v)
		}
		cfg.Timeout = d
	}
	format, err := sink.ParseFormat(params["format"])
	if err != nil {
		return Config{}, err
	}
	cfg.Format = format
	return cfg, nil
}

// Open connects to the broker.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Sink, error) {
	s := &Sink{
		cfg:    cfg,
		logger: logging.Default(logger).With("component", "sink", "kind", sink.KindMQTT, "broker", cfg.Broker),
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetConnectTimeout(cfg.Timeout).
		SetWriteTimeout(cfg.Timeout).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			s.logger.Warn("mqtt connection lost", "error", err)
		})
	s.client = paho.NewClient(opts)

	if err := wait(ctx, s.client.Connect(), cfg.Timeout); err != nil {
		s.client.Disconnect(0)
		return nil, fmt.Errorf("%w: connect %s: %w", sink.ErrValidation, cfg.Broker, err)
	}
	s.logger.Info("mqtt sink opened", "topic", cfg.Topic, "qos", cfg.QoS, "format", cfg.Format)
	return s, nil
}

func (s *Sink) Kind() sink.Kind { return sink.KindMQTT }

// Write publishes p and waits for the broker to acknowledge it (QoS 1 and 2)
// or for the message to be written (QoS 0).
func (s *Sink) Write(ctx context.Context, p point.Point) error {
	payload, err := sink.Encode(s.cfg.Format, p)
	if err != nil {
		return err
	}
	tok := s.client.Publish(topicFor(s.cfg.Topic, p), s.cfg.QoS, s.cfg.Retain, payload)
	return wait(ctx, tok, s.cfg.Timeout)
}

func (s *Sink) Close() error {
	s.client.Disconnect(250)
	return nil
}

func topicFor(pattern string, p point.Point) string {
	return strings.ReplaceAll(pattern, "{measurement}", p.Measurement)
}

func wait(ctx context.Context, tok paho.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
