package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rabbitforce/rabbit-force/internal/apperrors"
)

func baseConfig() *Config {
	return &Config{
		Source: SourceConfig{Orgs: map[string]OrgSpec{
			"org": {
				ConsumerKey:    "key",
				ConsumerSecret: "secret",
				Username:       "user@example.com",
				Password:       "hunter2",
				Resources: []ResourceSpec{{
					Type: ResourcePushTopic,
					Spec: map[string]any{
						"Name":       "Topic",
						"ApiVersion": 44.0,
						"Query":      "SELECT Id FROM Account",
					},
				}},
			},
		}},
		Sink: SinkConfig{Brokers: map[string]BrokerSpec{
			"broker": {
				Host: "localhost",
				Exchanges: []ExchangeSpec{
					{ExchangeName: "events", TypeName: "topic"},
				},
			},
		}},
		Router: RouterConfig{DefaultRoute: &Route{
			BrokerName:   "broker",
			ExchangeName: "events",
			RoutingKey:   "all",
		}},
	}
}

func requireConfigError(t *testing.T, cfg *Config, contains string) {
	t.Helper()
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeConfiguration))
	assert.ErrorContains(t, err, contains)
}

func TestValidateBaseConfig(t *testing.T) {
	require.NoError(t, baseConfig().Validate())
}

func TestValidateNoOrgs(t *testing.T) {
	cfg := baseConfig()
	cfg.Source.Orgs = nil
	requireConfigError(t, cfg, "at least one org")
}

func TestValidateMissingCredential(t *testing.T) {
	cfg := baseConfig()
	org := cfg.Source.Orgs["org"]
	org.ConsumerSecret = ""
	cfg.Source.Orgs["org"] = org
	requireConfigError(t, cfg, "consumer_secret")
}

func TestValidateNoResources(t *testing.T) {
	cfg := baseConfig()
	org := cfg.Source.Orgs["org"]
	org.Resources = nil
	cfg.Source.Orgs["org"] = org
	requireConfigError(t, cfg, "at least one resource")
}

func TestValidateUnknownResourceType(t *testing.T) {
	cfg := baseConfig()
	org := cfg.Source.Orgs["org"]
	org.Resources = []ResourceSpec{{Type: "GenericEvent", Spec: map[string]any{"Name": "x"}}}
	cfg.Source.Orgs["org"] = org
	requireConfigError(t, cfg, "unknown type")
}

func TestValidatePushTopicNameTooLong(t *testing.T) {
	cfg := baseConfig()
	org := cfg.Source.Orgs["org"]
	org.Resources[0].Spec["Name"] = "ANameThatIsDefinitelyTooLongForAPushTopic"
	cfg.Source.Orgs["org"] = org
	requireConfigError(t, cfg, "exceeds 25 characters")
}

func TestValidatePushTopicIncompleteDefinition(t *testing.T) {
	cfg := baseConfig()
	org := cfg.Source.Orgs["org"]
	org.Resources = []ResourceSpec{{
		Type: ResourcePushTopic,
		Spec: map[string]any{"Name": "Topic", "ApiVersion": 44.0},
	}}
	cfg.Source.Orgs["org"] = org
	requireConfigError(t, cfg, `requires field "Query"`)
}

func TestValidatePushTopicNotifyForOperations(t *testing.T) {
	cfg := baseConfig()
	org := cfg.Source.Orgs["org"]
	org.Resources = []ResourceSpec{{
		Type: ResourcePushTopic,
		Spec: map[string]any{
			"Name":                "Topic",
			"ApiVersion":          44.0,
			"Query":               "SELECT Id FROM Account",
			"NotifyForOperations": "All",
		},
	}}
	cfg.Source.Orgs["org"] = org
	requireConfigError(t, cfg, "API version 28.0 and earlier")
}

func TestValidatePushTopicNotifyForOperationCreateOnOldVersion(t *testing.T) {
	cfg := baseConfig()
	org := cfg.Source.Orgs["org"]
	org.Resources = []ResourceSpec{{
		Type: ResourcePushTopic,
		Spec: map[string]any{
			"Name":                     "Topic",
			"ApiVersion":               28.0,
			"Query":                    "SELECT Id FROM Account",
			"NotifyForOperationCreate": true,
		},
	}}
	cfg.Source.Orgs["org"] = org
	requireConfigError(t, cfg, "API version 29.0 and later")
}

func TestValidateStreamingChannelName(t *testing.T) {
	cfg := baseConfig()
	org := cfg.Source.Orgs["org"]
	org.Resources = []ResourceSpec{{
		Type: ResourceStreamingChannel,
		Spec: map[string]any{"Name": "notifications"},
	}}
	cfg.Source.Orgs["org"] = org
	requireConfigError(t, cfg, `must start with "/u/"`)
}

func TestValidateReplayAddress(t *testing.T) {
	cfg := baseConfig()
	cfg.Source.Replay = &ReplaySpec{Address: "localhost:6379"}
	requireConfigError(t, cfg, "redis:// URL")
}

func TestValidateNoBrokers(t *testing.T) {
	cfg := baseConfig()
	cfg.Sink.Brokers = nil
	cfg.Router.DefaultRoute = nil
	requireConfigError(t, cfg, "at least one broker")
}

func TestValidateBrokerMissingHost(t *testing.T) {
	cfg := baseConfig()
	broker := cfg.Sink.Brokers["broker"]
	broker.Host = ""
	cfg.Sink.Brokers["broker"] = broker
	requireConfigError(t, cfg, `missing required field "host"`)
}

func TestValidateInvalidExchangeType(t *testing.T) {
	cfg := baseConfig()
	broker := cfg.Sink.Brokers["broker"]
	broker.Exchanges = []ExchangeSpec{{ExchangeName: "events", TypeName: "x-delayed"}}
	cfg.Sink.Brokers["broker"] = broker
	cfg.Router.DefaultRoute = nil
	requireConfigError(t, cfg, "invalid type")
}

func TestValidateRouteUndeclaredBroker(t *testing.T) {
	cfg := baseConfig()
	cfg.Router.DefaultRoute.BrokerName = "other"
	requireConfigError(t, cfg, `undeclared broker "other"`)
}

func TestValidateRouteUndeclaredExchange(t *testing.T) {
	cfg := baseConfig()
	cfg.Router.DefaultRoute.ExchangeName = "other"
	requireConfigError(t, cfg, "not declared on broker")
}

func TestValidateRouteUnsupportedProperty(t *testing.T) {
	cfg := baseConfig()
	cfg.Router.DefaultRoute.Properties = map[string]any{"mandatory": true}
	requireConfigError(t, cfg, `unsupported property "mandatory"`)
}

func TestValidateRouteClusterIDRejected(t *testing.T) {
	cfg := baseConfig()
	cfg.Router.DefaultRoute.Properties = map[string]any{"cluster_id": "c-1"}
	requireConfigError(t, cfg, `unsupported property "cluster_id"`)
}

func TestValidateEmptyRuleCondition(t *testing.T) {
	cfg := baseConfig()
	cfg.Router.Rules = []Rule{{Condition: "  ", Route: *cfg.Router.DefaultRoute}}
	requireConfigError(t, cfg, "condition must not be empty")
}
