package config

import (
	"fmt"
	"strings"

	"github.com/rabbitforce/rabbit-force/internal/apperrors"
)

var exchangeTypes = map[string]bool{
	"fanout":  true,
	"direct":  true,
	"topic":   true,
	"headers": true,
}

// Property names accepted in a route's properties map. content_type and
// content_encoding are listed for completeness but are overwritten by the
// sink on every publish. The deprecated cluster-id basic property is not
// supported by the AMQP client and is rejected here.
var allowedRouteProperties = map[string]bool{
	"content_type":     true,
	"content_encoding": true,
	"headers":          true,
	"delivery_mode":    true,
	"priority":         true,
	"correlation_id":   true,
	"reply_to":         true,
	"expiration":       true,
	"message_id":       true,
	"timestamp":        true,
	"type":             true,
	"user_id":          true,
	"app_id":           true,
}

// Validate checks the configuration for structural errors, including the
// startup invariant that every route references a declared broker/exchange
// pair. All failures are reported as configuration errors.
func (c *Config) Validate() error {
	if len(c.Source.Orgs) == 0 {
		return apperrors.NewConfiguration("source.orgs must define at least one org")
	}
	for name, org := range c.Source.Orgs {
		if err := validateOrg(name, org); err != nil {
			return err
		}
	}

	if c.Source.Replay != nil && !strings.HasPrefix(c.Source.Replay.Address, "redis://") {
		return apperrors.NewConfiguration(fmt.Sprintf(
			"source.replay.address %q must be a redis:// URL", c.Source.Replay.Address))
	}

	if len(c.Sink.Brokers) == 0 {
		return apperrors.NewConfiguration("sink.brokers must define at least one broker")
	}
	for name, broker := range c.Sink.Brokers {
		if err := validateBroker(name, broker); err != nil {
			return err
		}
	}

	if c.Router.DefaultRoute != nil {
		if err := c.validateRoute("router.default_route", *c.Router.DefaultRoute); err != nil {
			return err
		}
	}
	for i, rule := range c.Router.Rules {
		if strings.TrimSpace(rule.Condition) == "" {
			return apperrors.NewConfiguration(fmt.Sprintf(
				"router.rules[%d].condition must not be empty", i))
		}
		if err := c.validateRoute(fmt.Sprintf("router.rules[%d].route", i), rule.Route); err != nil {
			return err
		}
	}
	return nil
}

func validateOrg(name string, org OrgSpec) error {
	for field, value := range map[string]string{
		"consumer_key":    org.ConsumerKey,
		"consumer_secret": org.ConsumerSecret,
		"username":        org.Username,
		"password":        org.Password,
	} {
		if value == "" {
			return apperrors.NewConfiguration(fmt.Sprintf(
				"org %q is missing required field %q", name, field))
		}
	}
	if len(org.Resources) == 0 {
		return apperrors.NewConfiguration(fmt.Sprintf(
			"org %q must define at least one resource", name))
	}
	for i, res := range org.Resources {
		if err := validateResource(name, i, res); err != nil {
			return err
		}
	}
	return nil
}

func validateResource(org string, idx int, res ResourceSpec) error {
	where := fmt.Sprintf("org %q resource %d", org, idx)

	switch res.Type {
	case ResourcePushTopic:
		return validatePushTopic(where, res)
	case ResourceStreamingChannel:
		return validateStreamingChannel(where, res)
	default:
		return apperrors.NewConfiguration(fmt.Sprintf(
			"%s has unknown type %q", where, res.Type))
	}
}

// PushTopic fields are validated according to the PushTopic object
// reference: Name is limited to 25 characters and a full definition
// requires at least Name, ApiVersion and Query.
func validatePushTopic(where string, res ResourceSpec) error {
	if len(res.Spec) == 0 {
		return apperrors.NewConfiguration(fmt.Sprintf("%s has an empty spec", where))
	}
	if name := res.Name(); len(name) > 25 {
		return apperrors.NewConfiguration(fmt.Sprintf(
			"%s: PushTopic Name %q exceeds 25 characters", where, name))
	}
	if res.IsExisting() {
		return nil
	}
	if len(res.Spec) == 1 {
		return apperrors.NewConfiguration(fmt.Sprintf(
			"%s: a single-field spec must be a unique identifier such as 'Id' or 'Name'", where))
	}
	for _, field := range []string{"Name", "ApiVersion", "Query"} {
		if _, ok := res.Spec[field]; !ok {
			return apperrors.NewConfiguration(fmt.Sprintf(
				"%s: a full PushTopic definition requires field %q", where, field))
		}
	}
	return validatePushTopicVersionFields(where, res)
}

// NotifyForOperations and the per-operation NotifyForOperation* flags are
// mutually exclusive across the 28.0/29.0 API boundary.
func validatePushTopicVersionFields(where string, res ResourceSpec) error {
	var version float64
	if _, err := fmt.Sscanf(res.APIVersion(), "%f", &version); err != nil {
		return apperrors.NewConfiguration(fmt.Sprintf(
			"%s: invalid ApiVersion %v", where, res.Spec["ApiVersion"]))
	}

	_, hasLegacy := res.Spec["NotifyForOperations"]
	if version >= 29.0 && hasLegacy {
		return apperrors.NewConfiguration(fmt.Sprintf(
			"%s: 'NotifyForOperations' can only be specified for API version 28.0 and earlier", where))
	}
	if version <= 28.0 {
		for _, field := range []string{
			"NotifyForOperationCreate", "NotifyForOperationUpdate",
			"NotifyForOperationDelete", "NotifyForOperationUndelete",
		} {
			if _, ok := res.Spec[field]; ok {
				return apperrors.NewConfiguration(fmt.Sprintf(
					"%s: %q can only be specified for API version 29.0 and later", where, field))
			}
		}
	}
	return nil
}

func validateStreamingChannel(where string, res ResourceSpec) error {
	if len(res.Spec) == 0 {
		return apperrors.NewConfiguration(fmt.Sprintf("%s has an empty spec", where))
	}
	name := res.Name()
	if len(name) > 80 {
		return apperrors.NewConfiguration(fmt.Sprintf(
			"%s: StreamingChannel Name %q exceeds 80 characters", where, name))
	}
	if name != "" && !strings.HasPrefix(name, "/u/") {
		return apperrors.NewConfiguration(fmt.Sprintf(
			"%s: StreamingChannel Name %q must start with \"/u/\"", where, name))
	}
	if !res.IsExisting() && res.Name() == "" {
		return apperrors.NewConfiguration(fmt.Sprintf(
			"%s: a StreamingChannel definition requires field \"Name\"", where))
	}
	return nil
}

func validateBroker(name string, broker BrokerSpec) error {
	if broker.Host == "" {
		return apperrors.NewConfiguration(fmt.Sprintf(
			"broker %q is missing required field \"host\"", name))
	}
	if broker.Port < 0 || broker.Port > 65535 {
		return apperrors.NewConfiguration(fmt.Sprintf(
			"broker %q has invalid port %d", name, broker.Port))
	}
	if len(broker.Exchanges) == 0 {
		return apperrors.NewConfiguration(fmt.Sprintf(
			"broker %q must declare at least one exchange", name))
	}
	for i, ex := range broker.Exchanges {
		if ex.ExchangeName == "" {
			return apperrors.NewConfiguration(fmt.Sprintf(
				"broker %q exchange %d is missing \"exchange_name\"", name, i))
		}
		if !exchangeTypes[ex.TypeName] {
			return apperrors.NewConfiguration(fmt.Sprintf(
				"broker %q exchange %q has invalid type %q", name, ex.ExchangeName, ex.TypeName))
		}
	}
	return nil
}

// validateRoute checks that the route is complete, that its properties are
// in the allowed subset and that it points to a declared broker/exchange.
func (c *Config) validateRoute(where string, route Route) error {
	if route.BrokerName == "" || route.ExchangeName == "" || route.RoutingKey == "" {
		return apperrors.NewConfiguration(fmt.Sprintf(
			"%s must define broker_name, exchange_name and routing_key", where))
	}
	for key := range route.Properties {
		if !allowedRouteProperties[key] {
			return apperrors.NewConfiguration(fmt.Sprintf(
				"%s has unsupported property %q", where, key))
		}
	}

	broker, ok := c.Sink.Brokers[route.BrokerName]
	if !ok {
		return apperrors.NewConfiguration(fmt.Sprintf(
			"%s references undeclared broker %q", where, route.BrokerName))
	}
	for _, ex := range broker.Exchanges {
		if ex.ExchangeName == route.ExchangeName {
			return nil
		}
	}
	return apperrors.NewConfiguration(fmt.Sprintf(
		"%s references exchange %q which is not declared on broker %q",
		where, route.ExchangeName, route.BrokerName))
}
