// Package rules decides what happens to each message handed out by the
// processor.
package rules

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailproc/internal/mail"
)

// Rule pairs a predicate with an action.
type Rule struct {
	Name  string
	Match func(msg mail.Message) bool
	Apply func(ctx context.Context, msg mail.Message) error

	// Continue evaluates the following rules after this one applied.
	Continue bool
}

// Evaluator applies rules in order.
type Evaluator struct {
	rules  []Rule
	logger logrus.FieldLogger
}

// NewEvaluator creates an evaluator over rules.
func NewEvaluator(rules []Rule, logger logrus.FieldLogger) *Evaluator {
	return &Evaluator{rules: rules, logger: logger}
}

// Len returns the number of rules.
func (e *Evaluator) Len() int {
	return len(e.rules)
}

// Evaluate applies every matching rule to msg until one that does not
// continue. An error returned by an action is fatal to the caller.
func (e *Evaluator) Evaluate(ctx context.Context, msg mail.Message) error {
	for _, rule := range e.rules {
		if rule.Match != nil && !rule.Match(msg) {
			continue
		}

		e.logger.WithFields(logrus.Fields{
			"rule":   rule.Name,
			"folder": msg.Folder(),
			"id":     msg.ID(),
		}).Debug("Rule matched")

		if rule.Apply != nil {
			if err := rule.Apply(ctx, msg); err != nil {
				return fmt.Errorf("rule %q: %w", rule.Name, err)
			}
		}
		if !rule.Continue {
			return nil
		}
	}
	return nil
}
