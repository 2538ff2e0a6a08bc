// Package sink publishes routed envelopes to RabbitMQ brokers over
// AMQP 0-9-1.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/rabbitforce/rabbit-force/internal/apperrors"
	"github.com/rabbitforce/rabbit-force/internal/config"
	"github.com/rabbitforce/rabbit-force/internal/metrics"
	"github.com/rabbitforce/rabbit-force/internal/source"
)

// How long a single publish keeps retrying before the failure is
// surfaced.
const publishRetryBudget = 30 * time.Second

// Manager holds one broker connection per configured broker and
// publishes envelopes on the routes the router picked for them.
type Manager struct {
	brokers      map[string]*broker
	ignoreErrors bool
	log          zerolog.Logger
}

// NewManager connects to every configured broker and declares its
// exchanges. A connection or declaration failure closes the brokers
// already connected and fails the whole startup.
func NewManager(cfg config.SinkConfig, ignoreErrors bool, log zerolog.Logger) (*Manager, error) {
	m := &Manager{
		brokers:      make(map[string]*broker),
		ignoreErrors: ignoreErrors,
		log:          log,
	}
	for name, spec := range cfg.Brokers {
		b, err := newBroker(name, spec, log.With().Str("broker", name).Logger())
		if err != nil {
			m.Close()
			return nil, err
		}
		m.brokers[name] = b
		log.Info().
			Str("broker", name).
			Str("host", spec.Host).
			Msg("message sink connected")
	}
	return m, nil
}

// Publish serializes the envelope's message and publishes it on the
// given route, retrying transient broker failures with exponential
// backoff. With ignore-errors enabled a failed publish is logged and
// dropped instead of being returned.
func (m *Manager) Publish(ctx context.Context, route config.Route, env source.Envelope) error {
	b, ok := m.brokers[route.BrokerName]
	if !ok {
		return apperrors.NewConfiguration(fmt.Sprintf(
			"route references unknown broker %q", route.BrokerName))
	}
	if !b.hasExchange(route.ExchangeName) {
		return apperrors.NewConfiguration(fmt.Sprintf(
			"route references undeclared exchange %q on broker %q",
			route.ExchangeName, route.BrokerName))
	}

	body, err := json.Marshal(env.Message)
	if err != nil {
		return apperrors.NewRouting("failed to serialize message", err)
	}

	operation := func() error {
		return b.publish(ctx, route.ExchangeName, route.RoutingKey, body, route.Properties)
	}
	notify := func(err error, wait time.Duration) {
		metrics.RecordSinkError(route.BrokerName)
		m.log.Warn().
			Err(err).
			Str("broker", route.BrokerName).
			Dur("retry_in", wait).
			Msg("publish failed, retrying")
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.MaxInterval = publishRetryBudget
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = publishRetryBudget

	if err := backoff.RetryNotify(operation, backoff.WithContext(bo, ctx), notify); err != nil {
		if m.ignoreErrors {
			m.log.Error().
				Err(err).
				Str("org", env.OrgName).
				Str("channel", env.Channel()).
				Str("broker", route.BrokerName).
				Msg("dropping message after repeated publish failures")
			return nil
		}
		return err
	}
	return nil
}

// Close closes every broker connection.
func (m *Manager) Close() {
	for name, b := range m.brokers {
		b.close()
		m.log.Debug().Str("broker", name).Msg("message sink closed")
	}
}
