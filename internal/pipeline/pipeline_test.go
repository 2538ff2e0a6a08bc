package pipeline

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rabbitforce/rabbit-force/internal/apperrors"
	"github.com/rabbitforce/rabbit-force/internal/config"
	"github.com/rabbitforce/rabbit-force/internal/replay"
)

func TestOpenReplayStoreWithoutConfig(t *testing.T) {
	app := New(&config.Config{}, Options{}, zerolog.Nop())

	store, err := app.openReplayStore()
	require.NoError(t, err)
	assert.IsType(t, replay.NullStore{}, store)
}

func TestOpenReplayStoreRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	app := New(&config.Config{Source: config.SourceConfig{
		Replay: &config.ReplaySpec{Address: "redis://" + mr.Addr(), KeyPrefix: "replay"},
	}}, Options{}, zerolog.Nop())

	store, err := app.openReplayStore()
	require.NoError(t, err)
	defer store.Close()
	assert.IsType(t, &replay.RedisStore{}, store)

	require.NoError(t, store.Set(context.Background(), "org", "/topic/T", replay.Marker{ReplayID: 1}))
	assert.True(t, mr.Exists("replay:org:/topic/T"))
}

func TestOpenReplayStoreIgnoresErrorsWhenRequested(t *testing.T) {
	mr := miniredis.RunT(t)
	app := New(&config.Config{Source: config.SourceConfig{
		Replay: &config.ReplaySpec{Address: "redis://" + mr.Addr()},
	}}, Options{IgnoreReplayStorageErrors: true}, zerolog.Nop())

	store, err := app.openReplayStore()
	require.NoError(t, err)
	defer store.Close()

	// Backend failures are swallowed by the wrapper.
	mr.Close()
	marker, err := store.Get(context.Background(), "org", "/topic/T")
	require.NoError(t, err)
	assert.Nil(t, marker)
}

func TestRunBrokerUnreachableIsStartupFailure(t *testing.T) {
	// Port 1 refuses the connection immediately.
	cfg := &config.Config{Sink: config.SinkConfig{
		Brokers: map[string]config.BrokerSpec{
			"rabbit": {Host: "127.0.0.1", Port: 1, Exchanges: []config.ExchangeSpec{
				{ExchangeName: "events", TypeName: "topic"},
			}},
		},
	}}
	app := New(cfg, Options{}, zerolog.Nop())

	err := app.Run(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeSinkNetwork))
	assert.True(t, IsStartupFailure(err))
}

func TestRunReplayStoreUnreachableIsStartupFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	app := New(&config.Config{Source: config.SourceConfig{
		Replay: &config.ReplaySpec{Address: "redis://" + addr},
	}}, Options{}, zerolog.Nop())

	err := app.Run(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeReplayStore))
	assert.True(t, IsStartupFailure(err))
}

func TestOpenReplayStoreUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	app := New(&config.Config{Source: config.SourceConfig{
		Replay: &config.ReplaySpec{Address: "redis://" + addr},
	}}, Options{}, zerolog.Nop())

	_, err := app.openReplayStore()
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeReplayStore))
}
