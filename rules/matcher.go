package rules

import (
	"github.com/songzhibin97/alertflow/types"
)

// MatchRule reports whether an enabled rule applies to n: its type and
// priority are in the rule's sets (an empty set matches any) and every custom
// comparison holds against n.Data.
func MatchRule(rule types.NotificationRule, n types.Notification) bool {
	if !rule.Enabled {
		return false
	}
	if len(rule.Conditions.Types) > 0 && !containsType(rule.Conditions.Types, n.Type) {
		return false
	}
	if len(rule.Conditions.Priorities) > 0 && !containsPriority(rule.Conditions.Priorities, n.Priority) {
		return false
	}
	return CheckAll(rule.Conditions.Custom, LogicAnd, n.Data)
}

// MatchingRules returns the rules that apply to n, in rule order.
func MatchingRules(rules []types.NotificationRule, n types.Notification) []types.NotificationRule {
	var out []types.NotificationRule
	for _, r := range rules {
		if MatchRule(r, n) {
			out = append(out, r)
		}
	}
	return out
}

// ValidateRule checks a rule definition.
func ValidateRule(rule types.NotificationRule) error {
	if rule.ID == "" {
		return types.NewValidationError("id", "rule id is required")
	}
	for _, t := range rule.Conditions.Types {
		if !t.Valid() {
			return types.NewValidationError("conditions.types", "unknown notification type %q in rule %s", t, rule.ID)
		}
	}
	for _, p := range rule.Conditions.Priorities {
		if !p.Valid() {
			return types.NewValidationError("conditions.priorities", "unknown priority %q in rule %s", p, rule.ID)
		}
	}
	for _, c := range rule.Conditions.Custom {
		if c.Field == "" {
			return types.NewValidationError("conditions.custom", "comparison field is required in rule %s", rule.ID)
		}
		if !ValidOperator(c.Operator) {
			return types.NewValidationError("conditions.custom", "unknown operator %q in rule %s", c.Operator, rule.ID)
		}
	}
	for _, ch := range rule.Actions.Channels {
		if !ch.Valid() {
			return types.NewValidationError("actions.channels", "unknown channel %q in rule %s", ch, rule.ID)
		}
	}
	if th := rule.Actions.Throttle; th != nil && (th.Count <= 0 || th.WindowMs <= 0) {
		return types.NewValidationError("actions.throttle", "count and windowMs must be positive in rule %s", rule.ID)
	}
	if esc := rule.Actions.Escalation; esc != nil {
		if esc.DelayMs < 0 || len(esc.EscalateTo) == 0 {
			return types.NewValidationError("actions.escalation", "escalation needs a non-negative delay and target channels in rule %s", rule.ID)
		}
		for _, ch := range esc.EscalateTo {
			if !ch.Valid() {
				return types.NewValidationError("actions.escalation", "unknown channel %q in rule %s", ch, rule.ID)
			}
		}
	}
	return nil
}

func containsType(set []types.NotificationType, t types.NotificationType) bool {
	for _, s := range set {
		if s == t {
			return true
		}
	}
	return false
}

func containsPriority(set []types.Priority, p types.Priority) bool {
	for _, s := range set {
		if s == p {
			return true
		}
	}
	return false
}
