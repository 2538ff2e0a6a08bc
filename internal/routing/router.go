// Package routing selects the publish target for each envelope by
// evaluating an ordered list of JSONPath conditions.
//
// A condition is evaluated against the envelope wrapped in a one-element
// list, so array filter expressions such as
// `$[?(@.message.data.event.type = 'created')]` can be used to match
// messages. The configured dialect supports `=`, `!=`, `<`, `<=`, `>`,
// `>=`, `&`, `|`, a `~` regex-match operator and single-quoted strings;
// the evaluator's native `==`/`&&`/`||` spellings are accepted as well.
package routing

import (
	"context"
	"fmt"

	"github.com/PaesslerAG/gval"
	"github.com/PaesslerAG/jsonpath"

	"github.com/rabbitforce/rabbit-force/internal/apperrors"
	"github.com/rabbitforce/rabbit-force/internal/config"
	"github.com/rabbitforce/rabbit-force/internal/source"
)

var language = gval.Full(jsonpath.Language())

type compiledRule struct {
	condition string
	eval      gval.Evaluable
	route     config.Route
}

// Router finds the route of the first rule whose condition matches an
// envelope, falling back to the default route. It is stateless and safe
// for concurrent use.
type Router struct {
	defaultRoute *config.Route
	rules        []compiledRule
}

// New compiles the rule conditions. A condition that fails to parse is a
// configuration error.
func New(cfg config.RouterConfig) (*Router, error) {
	router := &Router{defaultRoute: cfg.DefaultRoute}
	for i, rule := range cfg.Rules {
		translated, err := translateCondition(rule.Condition)
		if err != nil {
			return nil, apperrors.NewConfiguration(fmt.Sprintf(
				"invalid routing condition in rule %d: %v", i, err))
		}
		eval, err := language.NewEvaluable(translated)
		if err != nil {
			return nil, apperrors.NewConfiguration(fmt.Sprintf(
				"failed to parse routing condition %q in rule %d: %v", rule.Condition, i, err))
		}
		router.rules = append(router.rules, compiledRule{
			condition: rule.Condition,
			eval:      eval,
			route:     rule.Route,
		})
	}
	return router, nil
}

// Route returns the route for the envelope, or nil when no rule matches
// and no default route is configured (the message is dropped).
func (r *Router) Route(env source.Envelope) *config.Route {
	doc := []any{
		map[string]any{
			"org_name": env.OrgName,
			"message":  env.Message,
		},
	}

	for i := range r.rules {
		rule := &r.rules[i]
		result, err := rule.eval(context.Background(), doc)
		// Evaluation errors on paths absent from the envelope simply
		// mean the rule does not match.
		if err != nil {
			continue
		}
		if isMatch(result) {
			return &rule.route
		}
	}
	return r.defaultRoute
}

// isMatch reports whether an evaluation result counts as a non-empty
// match.
func isMatch(result any) bool {
	switch value := result.(type) {
	case nil:
		return false
	case bool:
		return value
	case []any:
		return len(value) > 0
	default:
		return true
	}
}
