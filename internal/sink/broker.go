package sink

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/rabbitforce/rabbit-force/internal/apperrors"
	"github.com/rabbitforce/rabbit-force/internal/config"
)

const (
	defaultPort    = 5672
	defaultTLSPort = 5671
)

// broker holds one AMQP connection and one publisher channel, and knows
// which exchanges were declared on it.
type broker struct {
	name string
	spec config.BrokerSpec
	log  zerolog.Logger

	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	declared map[string]bool
}

func newBroker(name string, spec config.BrokerSpec, log zerolog.Logger) (*broker, error) {
	b := &broker{
		name:     name,
		spec:     spec,
		log:      log,
		declared: make(map[string]bool),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.connectLocked(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *broker) uri() string {
	scheme, port := "amqp", defaultPort
	if b.spec.SSL {
		scheme, port = "amqps", defaultTLSPort
	}
	if b.spec.Port != 0 {
		port = b.spec.Port
	}
	login := b.spec.Login
	if login == "" {
		login = "guest"
	}
	password := b.spec.Password
	if password == "" {
		password = "guest"
	}
	vhost := b.spec.Virtualhost
	if vhost == "" {
		vhost = "/"
	}
	uri := amqp.URI{
		Scheme:   scheme,
		Host:     b.spec.Host,
		Port:     port,
		Username: login,
		Password: password,
		Vhost:    vhost,
	}
	return uri.String()
}

func (b *broker) connectLocked() error {
	cfg := amqp.Config{Properties: amqp.NewConnectionProperties()}
	if b.spec.LoginMethod == "AMQPLAIN" {
		cfg.SASL = []amqp.Authentication{&amqp.AMQPlainAuth{
			Username: b.spec.Login,
			Password: b.spec.Password,
		}}
	}
	if b.spec.SSL && b.spec.VerifySSL != nil && !*b.spec.VerifySSL {
		cfg.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	conn, err := amqp.DialConfig(b.uri(), cfg)
	if err != nil {
		return apperrors.NewSinkNetwork(
			fmt.Sprintf("failed to connect to broker %q", b.name), err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return apperrors.NewSinkNetwork(
			fmt.Sprintf("failed to open a channel on broker %q", b.name), err)
	}

	for _, ex := range b.spec.Exchanges {
		if err := declareExchange(ch, ex); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return apperrors.NewSinkNetwork(
				fmt.Sprintf("failed to declare exchange %q on broker %q", ex.ExchangeName, b.name), err)
		}
		b.declared[ex.ExchangeName] = true
	}

	b.conn = conn
	b.ch = ch
	return nil
}

func declareExchange(ch *amqp.Channel, ex config.ExchangeSpec) error {
	if ex.Passive {
		return ch.ExchangeDeclarePassive(ex.ExchangeName, ex.TypeName,
			ex.Durable, ex.AutoDelete, false, ex.NoWait, amqp.Table(ex.Arguments))
	}
	return ch.ExchangeDeclare(ex.ExchangeName, ex.TypeName,
		ex.Durable, ex.AutoDelete, false, ex.NoWait, amqp.Table(ex.Arguments))
}

func (b *broker) hasExchange(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.declared[name]
}

// publish sends one message, reconnecting first if the connection was
// lost. A publish failure tears the connection down so that the next
// attempt dials again.
func (b *broker) publish(ctx context.Context, exchange, routingKey string, body []byte, props map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ch == nil || b.conn == nil || b.conn.IsClosed() {
		b.closeLocked()
		if err := b.connectLocked(); err != nil {
			return err
		}
	}

	publishing := buildPublishing(props)
	publishing.Body = body

	if err := b.ch.PublishWithContext(ctx, exchange, routingKey, false, false, publishing); err != nil {
		b.closeLocked()
		return apperrors.NewSinkNetwork(
			fmt.Sprintf("failed to publish to exchange %q on broker %q", exchange, b.name), err)
	}
	return nil
}

// buildPublishing maps route properties onto AMQP basic-properties.
// content_type and content_encoding are always forced.
func buildPublishing(props map[string]any) amqp.Publishing {
	publishing := amqp.Publishing{
		ContentType:     "application/json",
		ContentEncoding: "utf-8",
	}
	for key, value := range props {
		switch key {
		case "headers":
			if headers, ok := value.(map[string]any); ok {
				publishing.Headers = amqp.Table(headers)
			}
		case "delivery_mode":
			publishing.DeliveryMode = toUint8(value)
		case "priority":
			publishing.Priority = toUint8(value)
		case "correlation_id":
			publishing.CorrelationId = toString(value)
		case "reply_to":
			publishing.ReplyTo = toString(value)
		case "expiration":
			publishing.Expiration = toString(value)
		case "message_id":
			publishing.MessageId = toString(value)
		case "timestamp":
			if epoch, ok := value.(float64); ok {
				publishing.Timestamp = time.Unix(int64(epoch), 0).UTC()
			}
		case "type":
			publishing.Type = toString(value)
		case "user_id":
			publishing.UserId = toString(value)
		case "app_id":
			publishing.AppId = toString(value)
		}
	}
	return publishing
}

func toUint8(value any) uint8 {
	switch v := value.(type) {
	case float64:
		return uint8(v)
	case int:
		return uint8(v)
	}
	return 0
}

func toString(value any) string {
	s, _ := value.(string)
	return s
}

func (b *broker) closeLocked() {
	if b.ch != nil {
		_ = b.ch.Close()
		b.ch = nil
	}
	if b.conn != nil {
		_ = b.conn.Close()
		b.conn = nil
	}
}

func (b *broker) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked()
}
