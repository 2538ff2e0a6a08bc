package salesforce

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rabbitforce/rabbit-force/internal/apperrors"
)

// Descriptive messages for the REST API's error statuses.
var restErrorMessages = map[int]string{
	http.StatusMultipleChoices:      "an external ID exists in more than one record",
	http.StatusNotModified:          "the request content has not changed since the specified date",
	http.StatusBadRequest:           "the request could not be understood",
	http.StatusUnauthorized:         "the session ID or OAuth token has expired or is invalid",
	http.StatusForbidden:            "the request has been refused",
	http.StatusNotFound:             "the requested resource could not be found",
	http.StatusMethodNotAllowed:     "the method is not allowed for the resource",
	http.StatusUnsupportedMediaType: "the entity format is not supported by the method",
	http.StatusInternalServerError:  "an error has occurred within Lightning Platform",
}

// RESTClient is a minimal Salesforce REST API client covering the sobject
// CRUD and SOQL query calls used for resource provisioning.
type RESTClient struct {
	auth       *Authenticator
	hc         *http.Client
	apiVersion string
}

// NewRESTClient creates a REST client for the given API version, for
// example "42.0".
func NewRESTClient(auth *Authenticator, apiVersion string) *RESTClient {
	return &RESTClient{
		auth:       auth,
		hc:         &http.Client{Timeout: 30 * time.Second},
		apiVersion: apiVersion,
	}
}

// CreateSObject creates a record of the given type and returns its id.
func (c *RESTClient) CreateSObject(ctx context.Context, typeName string, fields map[string]any) (string, error) {
	body, err := c.request(ctx, http.MethodPost, "sobjects/"+typeName+"/", fields, nil)
	if err != nil {
		return "", err
	}
	id, _ := body["id"].(string)
	if id == "" {
		return "", apperrors.NewSourceFatal(
			fmt.Sprintf("create response for %s is missing the record id", typeName), nil)
	}
	return id, nil
}

// GetSObject fetches the record with the given id.
func (c *RESTClient) GetSObject(ctx context.Context, typeName, id string) (map[string]any, error) {
	return c.request(ctx, http.MethodGet, "sobjects/"+typeName+"/"+id, nil, nil)
}

// DeleteSObject deletes the record with the given id.
func (c *RESTClient) DeleteSObject(ctx context.Context, typeName, id string) error {
	_, err := c.request(ctx, http.MethodDelete, "sobjects/"+typeName+"/"+id, nil, nil)
	return err
}

// Query runs a SOQL query and returns the matching records.
func (c *RESTClient) Query(ctx context.Context, soql string) ([]map[string]any, error) {
	body, err := c.request(ctx, http.MethodGet, "query/", nil, url.Values{"q": {soql}})
	if err != nil {
		return nil, err
	}
	raw, _ := body["records"].([]any)
	records := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if record, ok := item.(map[string]any); ok {
			records = append(records, record)
		}
	}
	return records, nil
}

// request sends an authenticated request and retries it once with a fresh
// token if the first attempt fails with a 401.
func (c *RESTClient) request(ctx context.Context, method, path string, payload map[string]any, params url.Values) (map[string]any, error) {
	body, err := c.send(ctx, method, path, payload, params)
	if apperrors.HasCode(err, apperrors.CodeAuth) {
		c.auth.Invalidate()
		return c.send(ctx, method, path, payload, params)
	}
	return body, err
}

func (c *RESTClient) send(ctx context.Context, method, path string, payload map[string]any, params url.Values) (map[string]any, error) {
	authHeader, err := c.auth.AuthorizationHeader(ctx)
	if err != nil {
		return nil, err
	}
	_, instanceURL, err := c.auth.Credentials(ctx)
	if err != nil {
		return nil, err
	}

	requestURL := fmt.Sprintf("%s/services/data/v%s/%s", instanceURL, c.apiVersion, path)
	if len(params) > 0 {
		requestURL += "?" + params.Encode()
	}

	var reqBody io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, apperrors.NewSourceFatal("failed to encode request body", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, reqBody)
	if err != nil {
		return nil, apperrors.NewSourceFatal("failed to build request", err)
	}
	req.Header.Set("Authorization", authHeader)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, apperrors.NewSourceTransient("Salesforce REST request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.NewSourceTransient("failed to read response body", err)
	}

	if resp.StatusCode >= http.StatusMultipleChoices {
		return nil, restError(resp.StatusCode, data)
	}
	if len(data) == 0 {
		return nil, nil
	}

	body := map[string]any{}
	if err := json.Unmarshal(data, &body); err != nil {
		// Non-JSON success bodies are discarded.
		return nil, nil
	}
	return body, nil
}

func restError(status int, body []byte) error {
	message, ok := restErrorMessages[status]
	if !ok {
		message = "Salesforce REST API error"
	}
	message = fmt.Sprintf("%s (status %d): %s", message, status, string(body))

	switch {
	case status == http.StatusUnauthorized:
		return apperrors.NewAuth(message, nil)
	case status >= http.StatusInternalServerError:
		return apperrors.NewSourceTransient(message, nil)
	default:
		return apperrors.NewSourceFatal(message, nil)
	}
}
