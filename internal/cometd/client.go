// Package cometd implements the Bayeux long-polling client used to
// receive Streaming API events from a single Salesforce org.
//
// The client owns one logical session: it performs the handshake,
// subscribes to its channels with the replay extension, keeps a
// /meta/connect long poll open and dispatches every inbound event message
// to its handler. Transient failures are retried with exponential backoff
// within the configured connection timeout; a 401 triggers a token refresh
// followed by a rehandshake, and reconnect=none advice terminates the
// session.
package cometd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rabbitforce/rabbit-force/internal/apperrors"
	"github.com/rabbitforce/rabbit-force/internal/metrics"
	"github.com/rabbitforce/rabbit-force/internal/replay"
	"github.com/rabbitforce/rabbit-force/internal/salesforce"
)

// State of the client's Bayeux session.
type State int32

const (
	StateUnconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// EventHandler consumes one inbound event message. Returning an error
// terminates the client.
type EventHandler func(channel string, message map[string]any) error

// Subscription names a channel to subscribe to and whether the replay
// extension should request all retained events when no marker is stored.
type Subscription struct {
	Channel   string
	ReplayAll bool
}

// Options configure a Client.
type Options struct {
	// Org is the configured name of the Salesforce org.
	Org string
	// Version is the Bayeux endpoint version, for example "42.0".
	Version string
	Auth    *salesforce.Authenticator
	Store   replay.Store
	Handler EventHandler
	// Subscriptions to establish after every (re)handshake.
	Subscriptions []Subscription
	// ConnectionTimeout bounds recovery from transient failures.
	// Zero means retry indefinitely.
	ConnectionTimeout time.Duration
	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
	Log        zerolog.Logger
}

// Client is a Bayeux long-polling client for one Salesforce org.
type Client struct {
	org         string
	version     string
	auth        *salesforce.Authenticator
	store       replay.Store
	handler     EventHandler
	subs        []Subscription
	connTimeout time.Duration
	hc          *http.Client
	log         zerolog.Logger

	mu       sync.Mutex
	state    State
	clientID string
	interval time.Duration
	err      error

	cancel context.CancelFunc
	done   chan struct{}
}

func NewClient(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		// The server holds /meta/connect open for up to 110 seconds.
		hc = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Client{
		org:         opts.Org,
		version:     opts.Version,
		auth:        opts.Auth,
		store:       opts.Store,
		handler:     opts.Handler,
		subs:        opts.Subscriptions,
		connTimeout: opts.ConnectionTimeout,
		hc:          hc,
		log:         opts.Log,
		done:        make(chan struct{}),
	}
}

// State returns the session state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed when the client terminates for any reason.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the terminal error, nil after a clean close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Open establishes the session: handshake, subscriptions, and the long
// poll loop in a background goroutine. Transient startup failures are
// retried within the connection timeout.
func (c *Client) Open(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	if err := c.establish(ctx); err != nil {
		cancel()
		c.fail(err)
		close(c.done)
		return err
	}

	go c.run(runCtx)
	return nil
}

// Close performs an orderly shutdown: the poll loop is stopped, the
// channels are unsubscribed and the session is disconnected.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateDisconnected || c.state == StateFailed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateDisconnecting
	cancel := c.cancel
	clientID := c.clientID
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	<-c.done

	if clientID != "" {
		for _, sub := range c.subs {
			msg := map[string]any{
				"channel":      metaUnsubscribe,
				"clientId":     clientID,
				"subscription": sub.Channel,
				"id":           uuid.NewString(),
			}
			if _, err := c.send(ctx, []map[string]any{msg}); err != nil {
				c.log.Debug().Err(err).Str("channel", sub.Channel).Msg("unsubscribe failed during shutdown")
				break
			}
		}
		disconnect := map[string]any{
			"channel":  metaDisconnect,
			"clientId": clientID,
			"id":       uuid.NewString(),
		}
		if _, err := c.send(ctx, []map[string]any{disconnect}); err != nil {
			c.log.Debug().Err(err).Msg("disconnect failed during shutdown")
		}
	}

	c.hc.CloseIdleConnections()
	c.setState(StateDisconnected)
	return nil
}

// establish performs handshake plus subscriptions, retrying transient
// failures with backoff.
func (c *Client) establish(ctx context.Context) error {
	bo := c.newBackOff()
	for {
		err := c.handshakeAndSubscribe(ctx)
		if err == nil {
			return nil
		}
		if !apperrors.IsTransient(err) {
			return err
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return apperrors.NewSourceFatal(
				fmt.Sprintf("org %q: connection retry budget exhausted", c.org), err)
		}
		c.log.Warn().Err(err).Dur("retry_in", wait).Msg("streaming connection failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (c *Client) handshakeAndSubscribe(ctx context.Context) error {
	if err := c.handshake(ctx); err != nil {
		if apperrors.HasCode(err, apperrors.CodeAuth) {
			// Refresh the token once and rehandshake.
			c.auth.Invalidate()
			if authErr := c.auth.Authenticate(ctx); authErr != nil {
				return authErr
			}
			err = c.handshake(ctx)
		}
		if err != nil {
			return err
		}
	}
	for _, sub := range c.subs {
		if err := c.subscribe(ctx, sub); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) handshake(ctx context.Context) error {
	msg := map[string]any{
		"channel":                  metaHandshake,
		"version":                  "1.0",
		"supportedConnectionTypes": []string{"long-polling"},
		"ext":                      map[string]any{"replay": true},
		"id":                       uuid.NewString(),
	}
	msgs, err := c.send(ctx, []map[string]any{msg})
	if err != nil {
		return err
	}

	reply := metaReply(msgs, metaHandshake)
	if reply == nil {
		return apperrors.NewSourceTransient("handshake reply missing", nil)
	}
	if !isSuccessful(reply) {
		if reconnect, _ := adviceOf(reply); reconnect == adviceNone {
			return apperrors.NewSourceFatal("handshake rejected: "+errorOf(reply), nil)
		}
		return apperrors.NewSourceTransient("handshake failed: "+errorOf(reply), nil)
	}

	clientID, _ := reply["clientId"].(string)
	if clientID == "" {
		return apperrors.NewSourceTransient("handshake reply missing clientId", nil)
	}

	c.mu.Lock()
	c.clientID = clientID
	c.state = StateConnecting
	c.mu.Unlock()
	c.log.Debug().Str("client_id", clientID).Msg("Bayeux handshake complete")
	return nil
}

// subscribe sends /meta/subscribe with the channel's current replay marker
// in the replay extension. Without a stored marker the client asks for new
// events only, or for all retained events when the subscription is
// configured to replay everything.
func (c *Client) subscribe(ctx context.Context, sub Subscription) error {
	replayID := ReplayNewEvents
	if sub.ReplayAll {
		replayID = ReplayAllEvents
	}
	marker, err := c.store.Get(ctx, c.org, sub.Channel)
	if err != nil {
		return err
	}
	if marker != nil {
		replayID = marker.ReplayID
	}

	c.mu.Lock()
	clientID := c.clientID
	c.mu.Unlock()

	msg := map[string]any{
		"channel":      metaSubscribe,
		"clientId":     clientID,
		"subscription": sub.Channel,
		"ext":          map[string]any{"replay": map[string]any{sub.Channel: replayID}},
		"id":           uuid.NewString(),
	}
	msgs, err := c.send(ctx, []map[string]any{msg})
	if err != nil {
		return err
	}

	reply := metaReply(msgs, metaSubscribe)
	if reply == nil {
		return apperrors.NewSourceTransient("subscribe reply missing", nil)
	}
	if !isSuccessful(reply) {
		return apperrors.NewSourceTransient(
			fmt.Sprintf("subscription to %q failed: %s", sub.Channel, errorOf(reply)), nil)
	}
	c.log.Debug().Str("channel", sub.Channel).Int64("replay_id", replayID).Msg("subscribed")
	return nil
}

// run is the long poll loop. After every successful /meta/connect the next
// one is issued immediately, honoring the server's interval advice.
func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	bo := c.newBackOff()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !c.recover(ctx, bo, err) {
				return
			}
			continue
		}
		bo.Reset()

		rehandshake := false
		for _, msg := range msgs {
			if !isMeta(msg) {
				if err := c.dispatch(msg); err != nil {
					c.fail(err)
					return
				}
				continue
			}
			if channelOf(msg) != metaConnect {
				continue
			}

			reconnect, interval := adviceOf(msg)
			c.mu.Lock()
			c.interval = interval
			c.mu.Unlock()

			switch {
			case reconnect == adviceNone:
				c.fail(apperrors.NewSourceFatal(
					fmt.Sprintf("org %q: server advised to stop reconnecting", c.org), nil))
				return
			case reconnect == adviceHandshake:
				rehandshake = true
			case !isSuccessful(msg):
				rehandshake = true
			default:
				c.setState(StateConnected)
			}
		}

		if rehandshake {
			c.setState(StateUnconnected)
			if !c.recover(ctx, bo, apperrors.NewSourceTransient("server requested a rehandshake", nil)) {
				return
			}
			continue
		}

		c.mu.Lock()
		interval := c.interval
		c.mu.Unlock()
		if interval > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
		}
	}
}

func (c *Client) connect(ctx context.Context) ([]map[string]any, error) {
	c.mu.Lock()
	clientID := c.clientID
	c.mu.Unlock()

	msg := map[string]any{
		"channel":        metaConnect,
		"clientId":       clientID,
		"connectionType": "long-polling",
		"id":             uuid.NewString(),
	}
	return c.send(ctx, []map[string]any{msg})
}

// recover re-establishes the session after a failure, waiting out the
// backoff schedule between attempts. It returns false when the client has
// reached a terminal state.
func (c *Client) recover(ctx context.Context, bo backoff.BackOff, cause error) bool {
	if !apperrors.IsTransient(cause) && !apperrors.HasCode(cause, apperrors.CodeAuth) {
		c.fail(cause)
		return false
	}

	for {
		if apperrors.HasCode(cause, apperrors.CodeAuth) {
			c.auth.Invalidate()
			if err := c.auth.Authenticate(ctx); err != nil {
				c.fail(err)
				return false
			}
		}

		err := c.handshakeAndSubscribe(ctx)
		if err == nil {
			bo.Reset()
			metrics.RecordSourceReconnect(c.org)
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		if !apperrors.IsTransient(err) && !apperrors.HasCode(err, apperrors.CodeAuth) {
			c.fail(err)
			return false
		}
		cause = err

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			c.fail(apperrors.NewSourceFatal(
				fmt.Sprintf("org %q: connection retry budget exhausted", c.org), err))
			return false
		}
		c.log.Warn().Err(err).Dur("retry_in", wait).Msg("streaming recovery failed, retrying")
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
	}
}

func (c *Client) dispatch(msg map[string]any) error {
	channel := channelOf(msg)
	if channel == "" {
		return nil
	}
	return c.handler(channel, msg)
}

// send posts the messages to the org's Bayeux endpoint and decodes the
// reply batch.
func (c *Client) send(ctx context.Context, msgs []map[string]any) ([]map[string]any, error) {
	authHeader, err := c.auth.AuthorizationHeader(ctx)
	if err != nil {
		return nil, err
	}
	_, instanceURL, err := c.auth.Credentials(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(msgs)
	if err != nil {
		return nil, apperrors.NewSourceFatal("failed to encode Bayeux messages", err)
	}

	url := instanceURL + "/cometd/" + c.version
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, apperrors.NewSourceFatal("failed to build Bayeux request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", authHeader)

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, apperrors.NewSourceTransient("Bayeux request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.NewSourceTransient("failed to read Bayeux response", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, apperrors.NewAuth("Bayeux request rejected with 401", nil)
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, apperrors.NewSourceTransient(
			fmt.Sprintf("Bayeux server error (status %d)", resp.StatusCode), nil)
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, apperrors.NewSourceFatal(
			fmt.Sprintf("Bayeux request failed (status %d): %s", resp.StatusCode, string(body)), nil)
	}

	var replies []map[string]any
	if err := json.Unmarshal(body, &replies); err != nil {
		return nil, apperrors.NewSourceTransient("malformed Bayeux response", err)
	}
	return replies, nil
}

func (c *Client) newBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second
	bo.RandomizationFactor = 0.2
	// Zero keeps retrying indefinitely.
	bo.MaxElapsedTime = c.connTimeout
	bo.Reset()
	return bo
}

func (c *Client) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	c.state = StateFailed
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.log.Error().Err(err).Msg("streaming client failed")
}
