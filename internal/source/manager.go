// Package source multiplexes the streaming clients of all configured
// Salesforce orgs into a single envelope stream.
package source

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rabbitforce/rabbit-force/internal/cometd"
	"github.com/rabbitforce/rabbit-force/internal/metrics"
	"github.com/rabbitforce/rabbit-force/internal/replay"
	"github.com/rabbitforce/rabbit-force/internal/salesforce"
)

// Envelope is the unit of routing: the org the message came from and the
// inbound Bayeux message as received. It is created here and never
// mutated downstream.
type Envelope struct {
	OrgName string         `json:"org_name"`
	Message map[string]any `json:"message"`
}

// Channel returns the Bayeux channel the message arrived on.
func (e Envelope) Channel() string {
	channel, _ := e.Message["channel"].(string)
	return channel
}

// ReplayID returns the message's replay id, or zero when absent.
func (e Envelope) ReplayID() int64 {
	id, _, ok := markerOf(e.Message)
	if !ok {
		return 0
	}
	return id
}

// OrgSpec describes one org the manager should stream from.
type OrgSpec struct {
	Name              string
	Auth              *salesforce.Authenticator
	Provisioner       *salesforce.Provisioner
	Version           string
	Subscriptions     []cometd.Subscription
	ConnectionTimeout time.Duration
}

// Size of the outbound envelope buffer. A slow consumer eventually delays
// the long poll acknowledgement, which is the only back-pressure the
// Streaming API offers.
const defaultBufferSize = 64

// Manager owns the streaming clients, persists replay markers and emits
// envelopes on a single bounded stream. Envelopes from the same
// (org, channel) pair are emitted in arrival order.
type Manager struct {
	store replay.Store
	log   zerolog.Logger

	out  chan Envelope
	stop chan struct{}

	orgs []managedOrg

	mu      sync.Mutex
	termErr error

	watch     sync.WaitGroup
	closeOnce sync.Once
}

type managedOrg struct {
	name        string
	client      *cometd.Client
	provisioner *salesforce.Provisioner
}

// NewManager builds one streaming client per org spec.
func NewManager(store replay.Store, specs []OrgSpec, log zerolog.Logger) *Manager {
	m := &Manager{
		store: store,
		log:   log,
		out:   make(chan Envelope, defaultBufferSize),
		stop:  make(chan struct{}),
	}
	for _, spec := range specs {
		client := cometd.NewClient(cometd.Options{
			Org:               spec.Name,
			Version:           spec.Version,
			Auth:              spec.Auth,
			Store:             store,
			Handler:           m.handlerFor(spec.Name),
			Subscriptions:     spec.Subscriptions,
			ConnectionTimeout: spec.ConnectionTimeout,
			Log:               log.With().Str("org", spec.Name).Logger(),
		})
		m.orgs = append(m.orgs, managedOrg{
			name:        spec.Name,
			client:      client,
			provisioner: spec.Provisioner,
		})
	}
	return m
}

// Events returns the outbound envelope stream. The channel is closed once
// every streaming client has terminated.
func (m *Manager) Events() <-chan Envelope {
	return m.out
}

// Err returns the first terminal client error, nil after a clean close.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.termErr
}

// Start opens all streaming clients. On failure the already opened
// clients are closed again.
func (m *Manager) Start(ctx context.Context) error {
	for i, org := range m.orgs {
		if err := org.client.Open(ctx); err != nil {
			for j := 0; j < i; j++ {
				_ = m.orgs[j].client.Close(ctx)
			}
			return err
		}
		m.log.Info().Str("org", org.name).Msg("message source connected")
	}

	for _, org := range m.orgs {
		org := org
		m.watch.Add(1)
		go func() {
			defer m.watch.Done()
			<-org.client.Done()
			err := org.client.Err()
			if err == nil {
				return
			}
			m.mu.Lock()
			if m.termErr == nil {
				m.termErr = err
			}
			m.mu.Unlock()
			// A terminally failed source does not take the surviving
			// orgs down; the stream ends once every client terminates.
			m.log.Error().Err(err).Str("org", org.name).
				Msg("streaming client terminated, remaining sources continue")
		}()
	}
	go func() {
		m.watch.Wait()
		close(m.out)
	}()
	return nil
}

// Close shuts the sources down in order: the clients stop polling,
// unsubscribe and disconnect, then the non-durable streaming resources are
// torn down. The envelope stream is closed once every client terminates.
func (m *Manager) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		close(m.stop)
		for _, org := range m.orgs {
			if err := org.client.Close(ctx); err != nil {
				m.log.Warn().Err(err).Str("org", org.name).Msg("error closing streaming client")
			}
		}
		for _, org := range m.orgs {
			org.provisioner.Teardown(ctx)
		}
	})
	return nil
}

// handlerFor builds the event handler of one org's client. The replay
// marker is persisted before the envelope is offered downstream, matching
// the at-least-once contract of the Streaming API.
func (m *Manager) handlerFor(org string) cometd.EventHandler {
	return func(channel string, message map[string]any) error {
		metrics.RecordMessageReceived(org, channel)
		if replayID, createdDate, ok := markerOf(message); ok {
			marker := replay.Marker{ReplayID: replayID, CreatedDate: createdDate}
			if err := m.store.Set(context.Background(), org, channel, marker); err != nil {
				return err
			}
		}

		select {
		case m.out <- Envelope{OrgName: org, Message: message}:
		case <-m.stop:
			m.log.Debug().
				Str("org", org).
				Str("channel", channel).
				Msg("dropping envelope received during shutdown")
		}
		return nil
	}
}

func markerOf(message map[string]any) (replayID int64, createdDate string, ok bool) {
	data, _ := message["data"].(map[string]any)
	if data == nil {
		return 0, "", false
	}
	event, _ := data["event"].(map[string]any)
	if event == nil {
		return 0, "", false
	}
	id, idOK := event["replayId"].(float64)
	created, createdOK := event["createdDate"].(string)
	if !idOK || !createdOK {
		return 0, "", false
	}
	return int64(id), created, true
}
