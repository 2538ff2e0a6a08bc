// Package salesforce provides the Salesforce-facing collaborators of the
// bridge: the OAuth2 authenticator shared by the REST client and the
// streaming transport, the REST client used for resource provisioning and
// the provisioner that binds or creates PushTopic and StreamingChannel
// records at startup.
package salesforce

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/oauth2"

	"github.com/rabbitforce/rabbit-force/internal/apperrors"
	"github.com/rabbitforce/rabbit-force/internal/config"
)

const (
	ProductionLoginURL = "https://login.salesforce.com"
	SandboxLoginURL    = "https://test.salesforce.com"

	tokenPath = "/services/oauth2/token"
)

// Authenticator acquires and refreshes OAuth2 access tokens for a single
// Salesforce org using the password grant. Tokens are shared between the
// REST client and the streaming transport; both invalidate the token on a
// 401 response and ask for a new one.
type Authenticator struct {
	conf     *oauth2.Config
	username string
	password string

	mu          sync.Mutex
	token       *oauth2.Token
	instanceURL string
}

// NewAuthenticator creates an authenticator for the org. Sandbox orgs are
// authenticated against the test login host.
func NewAuthenticator(spec config.OrgSpec) *Authenticator {
	loginURL := ProductionLoginURL
	if spec.Sandbox {
		loginURL = SandboxLoginURL
	}
	return NewAuthenticatorWithLoginURL(spec, loginURL)
}

// NewAuthenticatorWithLoginURL creates an authenticator against an
// explicit login host.
func NewAuthenticatorWithLoginURL(spec config.OrgSpec, loginURL string) *Authenticator {
	return &Authenticator{
		conf: &oauth2.Config{
			ClientID:     spec.ConsumerKey,
			ClientSecret: spec.ConsumerSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL: loginURL + tokenPath,
				// Salesforce expects client credentials in the form body.
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		username: spec.Username,
		password: spec.Password,
	}
}

// Authenticate acquires a fresh access token, discarding any cached one.
func (a *Authenticator) Authenticate(ctx context.Context) error {
	token, err := a.conf.PasswordCredentialsToken(ctx, a.username, a.password)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return apperrors.NewAuth("authentication rejected by Salesforce", err)
		}
		return apperrors.NewSourceTransient("failed to reach the token endpoint", err)
	}

	instanceURL, _ := token.Extra("instance_url").(string)
	if instanceURL == "" {
		return apperrors.NewAuth("token response is missing instance_url", nil)
	}

	a.mu.Lock()
	a.token = token
	a.instanceURL = instanceURL
	a.mu.Unlock()
	return nil
}

// Credentials returns the current access token and instance URL,
// authenticating first if no token is cached.
func (a *Authenticator) Credentials(ctx context.Context) (accessToken, instanceURL string, err error) {
	a.mu.Lock()
	token, instance := a.token, a.instanceURL
	a.mu.Unlock()

	if token == nil {
		if err := a.Authenticate(ctx); err != nil {
			return "", "", err
		}
		a.mu.Lock()
		token, instance = a.token, a.instanceURL
		a.mu.Unlock()
	}
	return token.AccessToken, instance, nil
}

// AuthorizationHeader returns the value for the Authorization header of
// authenticated requests.
func (a *Authenticator) AuthorizationHeader(ctx context.Context) (string, error) {
	token, _, err := a.Credentials(ctx)
	if err != nil {
		return "", err
	}
	a.mu.Lock()
	tokenType := a.token.TokenType
	a.mu.Unlock()
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return tokenType + " " + token, nil
}

// Invalidate drops the cached token so that the next call authenticates
// again. Called when a downstream request fails with a 401.
func (a *Authenticator) Invalidate() {
	a.mu.Lock()
	a.token = nil
	a.instanceURL = ""
	a.mu.Unlock()
}
