package sink

import (
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rabbitforce/rabbit-force/internal/config"
)

func TestBrokerURI(t *testing.T) {
	// amqp.URI.String() elides the guest:guest defaults and the
	// scheme-default port, so assert on the parsed form instead of the
	// rendered string.
	tests := []struct {
		name string
		spec config.BrokerSpec
		want amqp.URI
	}{
		{
			"defaults",
			config.BrokerSpec{Host: "rabbit.example.com"},
			amqp.URI{Scheme: "amqp", Host: "rabbit.example.com", Port: 5672,
				Username: "guest", Password: "guest", Vhost: "/"},
		},
		{
			"credentials and vhost",
			config.BrokerSpec{Host: "rabbit", Login: "user", Password: "pass", Virtualhost: "events"},
			amqp.URI{Scheme: "amqp", Host: "rabbit", Port: 5672,
				Username: "user", Password: "pass", Vhost: "events"},
		},
		{
			"explicit port",
			config.BrokerSpec{Host: "rabbit", Port: 5673},
			amqp.URI{Scheme: "amqp", Host: "rabbit", Port: 5673,
				Username: "guest", Password: "guest", Vhost: "/"},
		},
		{
			"tls",
			config.BrokerSpec{Host: "rabbit", SSL: true},
			amqp.URI{Scheme: "amqps", Host: "rabbit", Port: 5671,
				Username: "guest", Password: "guest", Vhost: "/"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &broker{name: tt.name, spec: tt.spec}
			parsed, err := amqp.ParseURI(b.uri())
			require.NoError(t, err)
			assert.Equal(t, tt.want, parsed)
		})
	}
}

func TestBuildPublishingForcesContentType(t *testing.T) {
	publishing := buildPublishing(map[string]any{
		"content_type":     "text/plain",
		"content_encoding": "latin-1",
	})
	assert.Equal(t, "application/json", publishing.ContentType)
	assert.Equal(t, "utf-8", publishing.ContentEncoding)
}

func TestBuildPublishingProperties(t *testing.T) {
	publishing := buildPublishing(map[string]any{
		"delivery_mode":  float64(2),
		"priority":       float64(5),
		"correlation_id": "corr-1",
		"reply_to":       "replies",
		"expiration":     "60000",
		"message_id":     "msg-1",
		"timestamp":      float64(1756029600),
		"type":           "invoice.updated",
		"user_id":        "svc",
		"app_id":         "bridge",
		"headers":        map[string]any{"x-origin": "salesforce"},
	})

	assert.Equal(t, uint8(2), publishing.DeliveryMode)
	assert.Equal(t, uint8(5), publishing.Priority)
	assert.Equal(t, "corr-1", publishing.CorrelationId)
	assert.Equal(t, "replies", publishing.ReplyTo)
	assert.Equal(t, "60000", publishing.Expiration)
	assert.Equal(t, "msg-1", publishing.MessageId)
	assert.Equal(t, time.Unix(1756029600, 0).UTC(), publishing.Timestamp)
	assert.Equal(t, "invoice.updated", publishing.Type)
	assert.Equal(t, "svc", publishing.UserId)
	assert.Equal(t, "bridge", publishing.AppId)
	assert.Equal(t, amqp.Table{"x-origin": "salesforce"}, publishing.Headers)
}

func TestBuildPublishingIntProperties(t *testing.T) {
	// YAML decodes numbers as int rather than float64.
	publishing := buildPublishing(map[string]any{
		"delivery_mode": 2,
		"priority":      9,
	})
	assert.Equal(t, uint8(2), publishing.DeliveryMode)
	assert.Equal(t, uint8(9), publishing.Priority)
}

func TestHasExchange(t *testing.T) {
	b := &broker{declared: map[string]bool{"events": true}}
	assert.True(t, b.hasExchange("events"))
	assert.False(t, b.hasExchange("other"))
}

