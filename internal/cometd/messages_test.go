package cometd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAdviceOf(t *testing.T) {
	reconnect, interval := adviceOf(map[string]any{
		"channel": "/meta/connect",
		"advice":  map[string]any{"reconnect": "retry", "interval": float64(1500)},
	})
	assert.Equal(t, adviceRetry, reconnect)
	assert.Equal(t, 1500*time.Millisecond, interval)

	reconnect, interval = adviceOf(map[string]any{"channel": "/meta/connect"})
	assert.Empty(t, reconnect)
	assert.Zero(t, interval)
}

func TestMetaReply(t *testing.T) {
	batch := []map[string]any{
		{"channel": "/topic/T"},
		{"channel": "/meta/connect", "successful": true},
	}
	reply := metaReply(batch, metaConnect)
	assert.NotNil(t, reply)
	assert.True(t, isSuccessful(reply))

	assert.Nil(t, metaReply(batch, metaHandshake))
}

func TestIsMeta(t *testing.T) {
	assert.True(t, isMeta(map[string]any{"channel": "/meta/subscribe"}))
	assert.False(t, isMeta(map[string]any{"channel": "/topic/T"}))
	assert.False(t, isMeta(map[string]any{}))
}

func TestErrorOf(t *testing.T) {
	assert.Equal(t, "401::Auth required", errorOf(map[string]any{"error": "401::Auth required"}))
	assert.Equal(t, "unknown Bayeux error", errorOf(map[string]any{}))
}
