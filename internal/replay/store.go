// Package replay persists the last seen replay marker per (org, channel)
// so subscriptions can resume where they left off after a restart.
package replay

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/rabbitforce/rabbit-force/internal/metrics"
)

// Marker records the newest event seen on a channel.
type Marker struct {
	ReplayID    int64  `json:"replayId"`
	CreatedDate string `json:"createdDate"`
}

// Store is a durable key-value map of (org, channel) to replay markers.
// Get returns nil when no marker is stored.
type Store interface {
	Get(ctx context.Context, org, channel string) (*Marker, error)
	Set(ctx context.Context, org, channel string, marker Marker) error
	Close() error
}

// NullStore provides no durability. Every Get reports no stored marker and
// every Set is discarded.
type NullStore struct{}

func (NullStore) Get(context.Context, string, string) (*Marker, error) { return nil, nil }

func (NullStore) Set(context.Context, string, string, Marker) error { return nil }

func (NullStore) Close() error { return nil }

// IgnoreErrors wraps a store so that backend failures are logged and
// swallowed: Get falls back to no stored marker and Set becomes a no-op.
func IgnoreErrors(store Store, log zerolog.Logger) Store {
	return &ignoreErrorsStore{store: store, log: log}
}

type ignoreErrorsStore struct {
	store Store
	log   zerolog.Logger
}

func (s *ignoreErrorsStore) Get(ctx context.Context, org, channel string) (*Marker, error) {
	marker, err := s.store.Get(ctx, org, channel)
	if err != nil {
		metrics.RecordReplayStoreError()
		s.log.Warn().Err(err).
			Str("org", org).
			Str("channel", channel).
			Msg("ignoring replay storage read failure")
		return nil, nil
	}
	return marker, nil
}

func (s *ignoreErrorsStore) Set(ctx context.Context, org, channel string, marker Marker) error {
	if err := s.store.Set(ctx, org, channel, marker); err != nil {
		metrics.RecordReplayStoreError()
		s.log.Warn().Err(err).
			Str("org", org).
			Str("channel", channel).
			Int64("replay_id", marker.ReplayID).
			Msg("ignoring replay storage write failure")
	}
	return nil
}

func (s *ignoreErrorsStore) Close() error {
	return s.store.Close()
}
