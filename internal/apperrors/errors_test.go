package apperrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	err := NewSinkNetwork("broker unreachable", errors.New("dial tcp: connection refused"))
	assert.Equal(t, "SINK_NETWORK_ERROR: broker unreachable (dial tcp: connection refused)", err.Error())

	bare := NewConfiguration("missing orgs")
	assert.Equal(t, "CONFIGURATION_ERROR: missing orgs", bare.Error())
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := NewSourceTransient("request failed", cause)

	require.ErrorIs(t, err, cause)
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeAuth, CodeOf(NewAuth("rejected", nil)))
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
	assert.Equal(t, Code(""), CodeOf(nil))

	// The code survives wrapping.
	wrapped := fmt.Errorf("while starting: %w", NewReplayStore("redis down", nil))
	assert.Equal(t, CodeReplayStore, CodeOf(wrapped))
}

func TestHasCode(t *testing.T) {
	err := NewSourceFatal("server advised none", nil)
	assert.True(t, HasCode(err, CodeSourceFatal))
	assert.False(t, HasCode(err, CodeSourceTransient))
	assert.False(t, HasCode(nil, CodeSourceFatal))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(NewSourceTransient("503", nil)))
	assert.True(t, IsTransient(NewSinkNetwork("connection reset", nil)))
	assert.False(t, IsTransient(NewSourceFatal("400", nil)))
	assert.False(t, IsTransient(NewConfiguration("bad route")))
	assert.False(t, IsTransient(errors.New("plain")))
}
