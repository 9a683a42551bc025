// Package rules implements a declarative rule-evaluation engine: rule
// definitions combine weighted field conditions with a logical operator and
// produce scored, cacheable validation reports over arbitrary structured
// data.
package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Operator is the closed set of condition comparison kinds.
type Operator int

const (
	OpEquals Operator = iota
	OpNotEquals
	OpGreaterThan
	OpLessThan
	OpContains
	OpMatches
)

var operatorNames = map[Operator]string{
	OpEquals:      "equals",
	OpNotEquals:   "not_equals",
	OpGreaterThan: "greater_than",
	OpLessThan:    "less_than",
	OpContains:    "contains",
	OpMatches:     "matches",
}

// String returns the wire name of the operator.
func (o Operator) String() string {
	if name, ok := operatorNames[o]; ok {
		return name
	}
	return fmt.Sprintf("operator(%d)", int(o))
}

// ParseOperator resolves a wire name to an Operator.
func ParseOperator(name string) (Operator, error) {
	for op, n := range operatorNames {
		if n == name {
			return op, nil
		}
	}
	return 0, fmt.Errorf("unknown operator %q", name)
}

// MarshalJSON implements json.Marshaler.
func (o Operator) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (o *Operator) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	op, err := ParseOperator(name)
	if err != nil {
		return err
	}
	*o = op
	return nil
}

// LogicOperator combines multiple condition outcomes into one verdict.
type LogicOperator int

const (
	LogicAnd LogicOperator = iota
	LogicOr
	LogicXor
)

var logicNames = map[LogicOperator]string{
	LogicAnd: "AND",
	LogicOr:  "OR",
	LogicXor: "XOR",
}

// String returns the wire name of the logic operator.
func (l LogicOperator) String() string {
	if name, ok := logicNames[l]; ok {
		return name
	}
	return fmt.Sprintf("logic(%d)", int(l))
}

// ParseLogicOperator resolves a wire name to a LogicOperator.
func ParseLogicOperator(name string) (LogicOperator, error) {
	for l, n := range logicNames {
		if n == name {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown logic operator %q", name)
}

// MarshalJSON implements json.Marshaler.
func (l LogicOperator) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (l *LogicOperator) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	logic, err := ParseLogicOperator(name)
	if err != nil {
		return err
	}
	*l = logic
	return nil
}

// Result is the overall outcome of a rule evaluation. Error is reserved for
// evaluations that could not run at all; a rule that runs and fails is
// Invalid, not Error.
type Result int

const (
	Valid Result = iota
	Invalid
	Partial
	Deferred
	Error
)

var resultNames = map[Result]string{
	Valid:    "VALID",
	Invalid:  "INVALID",
	Partial:  "PARTIAL",
	Deferred: "DEFERRED",
	Error:    "ERROR",
}

// String returns the wire name of the result.
func (r Result) String() string {
	if name, ok := resultNames[r]; ok {
		return name
	}
	return fmt.Sprintf("result(%d)", int(r))
}

// MarshalJSON implements json.Marshaler.
func (r Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// Condition is one atomic comparison against a dotted field path in the
// evaluated data.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
	Weight   float64  `json:"weight,omitempty"`
	Optional bool     `json:"optional,omitempty"`
}

// Rule is a named set of conditions plus the logic combining them.
type Rule struct {
	ID                 string        `json:"id"`
	Name               string        `json:"name,omitempty"`
	Description        string        `json:"description,omitempty"`
	Conditions         []Condition   `json:"conditions"`
	Logic              LogicOperator `json:"logic_operator"`
	RequiredContext    []string      `json:"required_context,omitempty"`
	ApplicableContexts []string      `json:"applicable_contexts,omitempty"`
	ExcludedContexts   []string      `json:"excluded_contexts,omitempty"`
	CacheTTL           time.Duration `json:"-"`
}

// Validate checks the rule is well formed and normalises defaults.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return errors.New("rule id required")
	}
	if len(r.Conditions) == 0 {
		return fmt.Errorf("rule %s: at least one condition required", r.ID)
	}
	for i := range r.Conditions {
		if r.Conditions[i].Field == "" {
			return fmt.Errorf("rule %s: conditions[%d] field required", r.ID, i)
		}
		if r.Conditions[i].Weight <= 0 {
			r.Conditions[i].Weight = 1.0
		}
	}
	if r.CacheTTL <= 0 {
		r.CacheTTL = DefaultCacheTTL
	}
	return nil
}

// ConditionOutcome records one condition's pass/fail and score.
type ConditionOutcome struct {
	Description string  `json:"description"`
	Passed      bool    `json:"passed"`
	Score       float64 `json:"score"`
}

// Report is the value object produced per evaluation.
type Report struct {
	RuleID           string             `json:"rule_id"`
	Result           Result             `json:"result"`
	Score            float64            `json:"score"`
	Confidence       float64            `json:"confidence"`
	Conditions       []ConditionOutcome `json:"conditions,omitempty"`
	FailedConditions []string           `json:"failed_conditions,omitempty"`
	MissingContext   []string           `json:"missing_context,omitempty"`
	Suggestions      []string           `json:"suggestions,omitempty"`
	CacheHit         bool               `json:"cache_hit"`
	EvaluatedAt      time.Time          `json:"evaluated_at"`
}
