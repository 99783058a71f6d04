package differ

import (
	"strings"

	"github.com/yairfalse/vahti/pkg/types"
)

// ClassificationRule defines how to classify a finding
type ClassificationRule struct {
	Severity    types.Severity
	Description string
}

// Classifier derives a finding's severity from its kind, the compared field
// and the role of the resource
type Classifier struct {
	rules map[string]ClassificationRule
}

// NewClassifier creates a classifier with default rules
func NewClassifier() *Classifier {
	classifier := &Classifier{
		rules: make(map[string]ClassificationRule),
	}

	classifier.initializeRules()
	return classifier
}

// initializeRules sets up the default classification rules. Keys are
// "<kind>" or "<kind>:<field>"; the field form wins.
func (c *Classifier) initializeRules() {
	c.rules[string(types.MissingResource)] = ClassificationRule{
		Severity:    types.SeverityCritical,
		Description: "Declared resource is not running",
	}
	c.rules[string(types.ExtraResource)] = ClassificationRule{
		Severity:    types.SeverityWarning,
		Description: "Resource exists that nothing declares",
	}
	c.rules[string(types.HealthDegraded)] = ClassificationRule{
		Severity:    types.SeverityCritical,
		Description: "Container reports unhealthy",
	}
	c.rules[string(types.StateMismatch)] = ClassificationRule{
		Severity:    types.SeverityWarning,
		Description: "Observed state or replica count differs from declaration",
	}

	c.rules["config_drift:image"] = ClassificationRule{
		Severity:    types.SeverityWarning,
		Description: "Running image differs from declared image",
	}
	c.rules["config_drift:ports"] = ClassificationRule{
		Severity:    types.SeverityWarning,
		Description: "Port bindings differ",
	}
	c.rules["config_drift:driver"] = ClassificationRule{
		Severity:    types.SeverityWarning,
		Description: "Driver differs",
	}
	c.rules["config_drift:labels"] = ClassificationRule{
		Severity:    types.SeverityInfo,
		Description: "Labels differ",
	}
	c.rules[string(types.ConfigDrift)] = ClassificationRule{
		Severity:    types.SeverityWarning,
		Description: "Declared configuration differs",
	}
}

// Classify returns the severity for a finding on a resource with the given
// role
func (c *Classifier) Classify(kind types.FindingKind, field string, role types.Role) types.Severity {
	role = role.Effective()

	switch kind {
	case types.MissingResource:
		if role == types.RoleOptional {
			return types.SeverityWarning
		}
		return types.SeverityCritical
	case types.ExtraResource:
		// Extra resources never escalate past warning
		return types.SeverityWarning
	case types.StateMismatch:
		if role == types.RoleDatabase {
			return types.SeverityCritical
		}
	}

	return c.rule(kind, field).Severity
}

// Describe returns the rule description for a finding
func (c *Classifier) Describe(kind types.FindingKind, field string) string {
	return c.rule(kind, field).Description
}

func (c *Classifier) rule(kind types.FindingKind, field string) ClassificationRule {
	if field != "" {
		// labels.<key> fields share the labels rule
		base, _, _ := strings.Cut(field, ".")
		if rule, ok := c.rules[string(kind)+":"+base]; ok {
			return rule
		}
	}
	if rule, ok := c.rules[string(kind)]; ok {
		return rule
	}
	return ClassificationRule{Severity: types.SeverityWarning}
}
