// Package pipeline assembles the bridge from its parts and runs the
// forwarding loop: Salesforce streaming events in, routed AMQP messages
// out.
package pipeline

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/rabbitforce/rabbit-force/internal/cometd"
	"github.com/rabbitforce/rabbit-force/internal/config"
	"github.com/rabbitforce/rabbit-force/internal/metrics"
	"github.com/rabbitforce/rabbit-force/internal/replay"
	"github.com/rabbitforce/rabbit-force/internal/routing"
	"github.com/rabbitforce/rabbit-force/internal/salesforce"
	"github.com/rabbitforce/rabbit-force/internal/sink"
	"github.com/rabbitforce/rabbit-force/internal/source"
)

// How long an orderly shutdown may take before remaining work is
// abandoned.
const shutdownTimeout = 30 * time.Second

// startupError marks failures raised while the bridge was still being
// assembled, before any message could have been forwarded.
type startupError struct {
	err error
}

func (e *startupError) Error() string { return e.err.Error() }

func (e *startupError) Unwrap() error { return e.err }

// IsStartupFailure reports whether err occurred during bridge startup.
// The command line maps startup failures to the configuration-error exit
// code regardless of their cause.
func IsStartupFailure(err error) bool {
	var s *startupError
	return errors.As(err, &s)
}

// Options are the runtime switches of the bridge.
type Options struct {
	// IgnoreReplayStorageErrors degrades replay storage failures to
	// warnings instead of terminating the bridge.
	IgnoreReplayStorageErrors bool
	// IgnoreSinkErrors drops messages whose publish keeps failing
	// instead of terminating the bridge.
	IgnoreSinkErrors bool
	// SourceConnectionTimeout bounds recovery from transient streaming
	// failures. Zero retries indefinitely.
	SourceConnectionTimeout time.Duration
	// ListenAddr is the bind address of the health and metrics endpoint.
	// Empty disables the endpoint.
	ListenAddr string
}

// App is a fully wired bridge instance.
type App struct {
	cfg  *config.Config
	opts Options
	log  zerolog.Logger
}

func New(cfg *config.Config, opts Options, log zerolog.Logger) *App {
	return &App{cfg: cfg, opts: opts, log: log}
}

// Run starts the bridge and forwards messages until ctx is canceled or a
// fatal error occurs. Startup proceeds source-outward: replay storage,
// org authentication and resource provisioning, broker connections,
// router, streaming clients. On a partial startup failure everything
// already started is closed again in reverse order.
func (a *App) Run(ctx context.Context) error {
	store, err := a.openReplayStore()
	if err != nil {
		return &startupError{err: err}
	}
	defer store.Close()

	version := a.cfg.BayeuxVersion()
	orgSpecs, provisioners, err := a.provisionOrgs(ctx, version)
	if err != nil {
		a.teardown(provisioners)
		return &startupError{err: err}
	}

	sinkManager, err := sink.NewManager(a.cfg.Sink, a.opts.IgnoreSinkErrors,
		a.log.With().Str("component", "sink").Logger())
	if err != nil {
		a.teardown(provisioners)
		return &startupError{err: err}
	}
	defer sinkManager.Close()

	router, err := routing.New(a.cfg.Router)
	if err != nil {
		a.teardown(provisioners)
		return &startupError{err: err}
	}

	sourceManager := source.NewManager(store, orgSpecs,
		a.log.With().Str("component", "source").Logger())
	if err := sourceManager.Start(ctx); err != nil {
		a.teardown(provisioners)
		return &startupError{err: err}
	}

	httpServer := a.serve()

	// Closing the sources is idempotent; context cancellation, a loop
	// failure and a stream that ended on its own all funnel into it.
	closeSources := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = sourceManager.Close(shutdownCtx)
	}
	go func() {
		<-ctx.Done()
		closeSources()
	}()

	a.log.Info().Msg("rabbit_force bridge is up")
	runErr := a.forward(router, sinkManager, sourceManager)
	closeSources()

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = httpServer.Shutdown(shutdownCtx)
		cancel()
	}

	if runErr != nil {
		return runErr
	}
	return sourceManager.Err()
}

// forward consumes the envelope stream until it closes, routing and
// publishing every message. It returns the first fatal error.
func (a *App) forward(router *routing.Router, sinkManager *sink.Manager, sourceManager *source.Manager) error {
	for env := range sourceManager.Events() {
		route := router.Route(env)
		if route == nil {
			metrics.RecordMessageDropped(env.OrgName, env.Channel())
			a.log.Debug().
				Str("org", env.OrgName).
				Str("channel", env.Channel()).
				Msg("no route for message, dropping")
			continue
		}

		started := time.Now()
		if err := sinkManager.Publish(context.Background(), *route, env); err != nil {
			return err
		}
		metrics.RecordMessageForwarded(env.OrgName, route.BrokerName, route.ExchangeName, time.Since(started))
		a.log.Info().Msgf("Forwarded message %d on channel %s from %s to %s",
			env.ReplayID(), env.Channel(), env.OrgName, route)
	}
	return nil
}

// openReplayStore builds the replay marker storage: Redis when
// configured, otherwise a null store. Network error tolerance can come
// from the configuration or from the command line.
func (a *App) openReplayStore() (replay.Store, error) {
	spec := a.cfg.Source.Replay
	if spec == nil {
		a.log.Debug().Msg("no replay storage configured, subscriptions start from new events")
		return replay.NullStore{}, nil
	}

	store, err := replay.NewRedisStore(spec.Address, spec.KeyPrefix)
	if err != nil {
		return nil, err
	}
	a.log.Info().Str("address", spec.Address).Msg("replay storage connected")

	if spec.IgnoreNetworkErrors || a.opts.IgnoreReplayStorageErrors {
		return replay.IgnoreErrors(store, a.log.With().Str("component", "replay").Logger()), nil
	}
	return store, nil
}

// provisionOrgs authenticates every org and provisions its streaming
// resources. The returned provisioners are collected even on failure so
// the caller can tear down what was already created.
func (a *App) provisionOrgs(ctx context.Context, version string) ([]source.OrgSpec, []*salesforce.Provisioner, error) {
	var (
		specs        []source.OrgSpec
		provisioners []*salesforce.Provisioner
	)
	for name, orgCfg := range a.cfg.Source.Orgs {
		log := a.log.With().Str("org", name).Logger()

		auth := salesforce.NewAuthenticator(orgCfg)
		if err := auth.Authenticate(ctx); err != nil {
			return nil, provisioners, err
		}
		log.Info().Str("username", orgCfg.Username).Msg("org authenticated")

		provisioner := salesforce.NewProvisioner(salesforce.NewRESTClient(auth, version), log)
		provisioners = append(provisioners, provisioner)
		resources, err := provisioner.Provision(ctx, orgCfg.Resources)
		if err != nil {
			return nil, provisioners, err
		}

		subs := make([]cometd.Subscription, 0, len(resources))
		for _, res := range resources {
			subs = append(subs, cometd.Subscription{
				Channel:   res.ChannelName(),
				ReplayAll: res.ReplayAll,
			})
		}
		specs = append(specs, source.OrgSpec{
			Name:              name,
			Auth:              auth,
			Provisioner:       provisioner,
			Version:           version,
			Subscriptions:     subs,
			ConnectionTimeout: a.opts.SourceConnectionTimeout,
		})
	}
	return specs, provisioners, nil
}

// teardown removes the non-durable resources of every provisioner, used
// when startup fails before the source manager owns them.
func (a *App) teardown(provisioners []*salesforce.Provisioner) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, p := range provisioners {
		p.Teardown(ctx)
	}
}

// serve exposes the health and metrics endpoint, if enabled.
func (a *App) serve() *http.Server {
	if a.opts.ListenAddr == "" {
		return nil
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{Addr: a.opts.ListenAddr, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error().Err(err).Msg("health endpoint failed")
		}
	}()
	a.log.Info().Str("addr", a.opts.ListenAddr).Msg("health and metrics endpoint listening")
	return srv
}
