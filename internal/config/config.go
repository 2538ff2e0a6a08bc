// Package config loads and validates the application configuration file.
//
// The file describes the message source (Salesforce orgs and their streaming
// resources plus an optional Redis replay storage), the message sink (AMQP
// brokers and their exchanges) and the router (an ordered rule list with an
// optional default route). JSON and YAML files are supported, dispatched by
// file extension.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rabbitforce/rabbit-force/internal/apperrors"
)

// Resource type names accepted in resource specs.
const (
	ResourcePushTopic        = "PushTopic"
	ResourceStreamingChannel = "StreamingChannel"
)

// DefaultAPIVersion is the Salesforce REST and Bayeux API version used when
// no resource spec carries an ApiVersion field.
const DefaultAPIVersion = "42.0"

// Config is the root of the configuration file.
type Config struct {
	Source SourceConfig `json:"source" yaml:"source"`
	Sink   SinkConfig   `json:"sink" yaml:"sink"`
	Router RouterConfig `json:"router" yaml:"router"`
}

// SourceConfig describes the Salesforce orgs to stream from and the
// optional replay marker storage.
type SourceConfig struct {
	Orgs   map[string]OrgSpec `json:"orgs" yaml:"orgs"`
	Replay *ReplaySpec        `json:"replay,omitempty" yaml:"replay,omitempty"`
}

// OrgSpec holds the connected app credentials of a Salesforce org and the
// streaming resources to subscribe to.
type OrgSpec struct {
	ConsumerKey    string         `json:"consumer_key" yaml:"consumer_key"`
	ConsumerSecret string         `json:"consumer_secret" yaml:"consumer_secret"`
	Username       string         `json:"username" yaml:"username"`
	Password       string         `json:"password" yaml:"password"`
	Sandbox        bool           `json:"sandbox,omitempty" yaml:"sandbox,omitempty"`
	Resources      []ResourceSpec `json:"resources" yaml:"resources"`
}

// ResourceSpec describes a single PushTopic or StreamingChannel. A spec
// that carries only a unique identifier (Id, or Name) refers to an existing
// resource; anything else is a full definition to be created at startup.
type ResourceSpec struct {
	Type      string         `json:"type" yaml:"type"`
	Spec      map[string]any `json:"spec" yaml:"spec"`
	Durable   *bool          `json:"durable,omitempty" yaml:"durable,omitempty"`
	ReplayAll bool           `json:"replay_all,omitempty" yaml:"replay_all,omitempty"`
}

// IsDurable reports whether the resource should be left intact on shutdown.
// Resources are durable unless explicitly marked otherwise.
func (r ResourceSpec) IsDurable() bool {
	return r.Durable == nil || *r.Durable
}

// IsExisting reports whether the spec names an existing resource instead of
// defining a new one.
func (r ResourceSpec) IsExisting() bool {
	if len(r.Spec) != 1 {
		return false
	}
	_, hasID := r.Spec["Id"]
	_, hasName := r.Spec["Name"]
	return hasID || hasName
}

// Name returns the resource's Name field, if present.
func (r ResourceSpec) Name() string {
	name, _ := r.Spec["Name"].(string)
	return name
}

// ID returns the resource's Id field, if present.
func (r ResourceSpec) ID() string {
	id, _ := r.Spec["Id"].(string)
	return id
}

// APIVersion returns the resource's ApiVersion field as a string of the
// form "42.0", or the empty string when absent.
func (r ResourceSpec) APIVersion() string {
	switch v := r.Spec["ApiVersion"].(type) {
	case float64:
		return fmt.Sprintf("%.1f", v)
	case int:
		return fmt.Sprintf("%d.0", v)
	case string:
		return v
	}
	return ""
}

// ReplaySpec configures the Redis replay marker storage.
type ReplaySpec struct {
	Address             string `json:"address" yaml:"address"`
	KeyPrefix           string `json:"key_prefix,omitempty" yaml:"key_prefix,omitempty"`
	IgnoreNetworkErrors bool   `json:"ignore_network_errors,omitempty" yaml:"ignore_network_errors,omitempty"`
}

// SinkConfig describes the AMQP brokers messages are forwarded to.
type SinkConfig struct {
	Brokers map[string]BrokerSpec `json:"brokers" yaml:"brokers"`
}

// BrokerSpec holds the connection parameters of a single AMQP broker and
// the exchanges to declare on it.
type BrokerSpec struct {
	Host        string         `json:"host" yaml:"host"`
	Port        int            `json:"port,omitempty" yaml:"port,omitempty"`
	Login       string         `json:"login,omitempty" yaml:"login,omitempty"`
	Password    string         `json:"password,omitempty" yaml:"password,omitempty"`
	Virtualhost string         `json:"virtualhost,omitempty" yaml:"virtualhost,omitempty"`
	SSL         bool           `json:"ssl,omitempty" yaml:"ssl,omitempty"`
	VerifySSL   *bool          `json:"verify_ssl,omitempty" yaml:"verify_ssl,omitempty"`
	LoginMethod string         `json:"login_method,omitempty" yaml:"login_method,omitempty"`
	Insist      bool           `json:"insist,omitempty" yaml:"insist,omitempty"`
	Exchanges   []ExchangeSpec `json:"exchanges" yaml:"exchanges"`
}

// ExchangeSpec holds the full parameter set of an exchange declaration.
type ExchangeSpec struct {
	ExchangeName string         `json:"exchange_name" yaml:"exchange_name"`
	TypeName     string         `json:"type_name" yaml:"type_name"`
	Passive      bool           `json:"passive,omitempty" yaml:"passive,omitempty"`
	Durable      bool           `json:"durable,omitempty" yaml:"durable,omitempty"`
	AutoDelete   bool           `json:"auto_delete,omitempty" yaml:"auto_delete,omitempty"`
	NoWait       bool           `json:"no_wait,omitempty" yaml:"no_wait,omitempty"`
	Arguments    map[string]any `json:"arguments,omitempty" yaml:"arguments,omitempty"`
}

// Route identifies a publish target: a declared broker/exchange pair, a
// routing key and optional AMQP message properties.
type Route struct {
	BrokerName   string         `json:"broker_name" yaml:"broker_name"`
	ExchangeName string         `json:"exchange_name" yaml:"exchange_name"`
	RoutingKey   string         `json:"routing_key" yaml:"routing_key"`
	Properties   map[string]any `json:"properties,omitempty" yaml:"properties,omitempty"`
}

func (r Route) String() string {
	return fmt.Sprintf("Route(broker_name=%q, exchange_name=%q, routing_key=%q)",
		r.BrokerName, r.ExchangeName, r.RoutingKey)
}

// Rule pairs a JSONPath condition with the route to use when it matches.
type Rule struct {
	Condition string `json:"condition" yaml:"condition"`
	Route     Route  `json:"route" yaml:"route"`
}

// RouterConfig holds the ordered rule list and the optional default route.
type RouterConfig struct {
	DefaultRoute *Route `json:"default_route" yaml:"default_route"`
	Rules        []Rule `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// Load reads, parses and validates the configuration file at path. The
// parser is chosen by file extension: .json, or .yaml/.yml.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.NewConfiguration(
			fmt.Sprintf("failed to read configuration file %q: %v", path, err))
	}

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		return nil, apperrors.NewConfiguration(
			fmt.Sprintf("unrecognized configuration file format for %q", path))
	}
	if err != nil {
		return nil, apperrors.NewConfiguration(
			fmt.Sprintf("failed to parse configuration file %q: %v", path, err))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// BayeuxVersion returns the newest ApiVersion used across all resource
// specs, falling back to DefaultAPIVersion.
func (c *Config) BayeuxVersion() string {
	newest := 0.0
	for _, org := range c.Source.Orgs {
		for _, res := range org.Resources {
			var v float64
			if _, err := fmt.Sscanf(res.APIVersion(), "%f", &v); err == nil && v > newest {
				newest = v
			}
		}
	}
	if newest == 0.0 {
		return DefaultAPIVersion
	}
	return fmt.Sprintf("%.1f", newest)
}
