package rules

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// Engine holds registered rules and evaluates them against structured data.
// All methods are safe for concurrent use.
type Engine struct {
	mu     sync.RWMutex
	rules  map[string]*Rule
	cache  *reportCache
	logger *slog.Logger
}

// NewEngine returns an empty engine.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		rules:  make(map[string]*Rule),
		cache:  newReportCache(),
		logger: logger,
	}
}

// Register validates and stores a rule, replacing any rule with the same id.
func (e *Engine) Register(rule *Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.rules[rule.ID] = rule
	e.mu.Unlock()
	e.logger.Info("rule registered", "rule_id", rule.ID, "conditions", len(rule.Conditions), "logic", rule.Logic.String())
	return nil
}

// Get returns the rule with the given id, if registered.
func (e *Engine) Get(id string) (*Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rule, ok := e.rules[id]
	return rule, ok
}

// List returns the ids of all registered rules.
func (e *Engine) List() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.rules))
	for id := range e.rules {
		ids = append(ids, id)
	}
	return ids
}

// PurgeCache drops all cached reports.
func (e *Engine) PurgeCache() {
	e.cache.purge()
}

// Evaluate runs the named rule against data. An unknown rule yields an ERROR
// report rather than a Go error; a panic in a comparison is likewise captured
// as ERROR so one bad rule cannot take down the caller. Non-ERROR reports are
// cached when useCache is set.
func (e *Engine) Evaluate(ruleID string, data, context map[string]any, useCache bool) (report *Report) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("rule evaluation panic", "rule_id", ruleID, "panic", rec)
			report = &Report{
				RuleID:      ruleID,
				Result:      Error,
				Suggestions: []string{fmt.Sprintf("evaluation failed: %v", rec)},
				EvaluatedAt: start,
			}
		}
	}()

	e.mu.RLock()
	rule, ok := e.rules[ruleID]
	e.mu.RUnlock()
	if !ok {
		return &Report{
			RuleID:      ruleID,
			Result:      Error,
			Suggestions: []string{fmt.Sprintf("rule %q is not registered", ruleID)},
			EvaluatedAt: start,
		}
	}

	key := cacheKey(ruleID, data, context)
	if useCache {
		if cached, hit := e.cache.get(key); hit {
			cached.CacheHit = true
			e.logger.Debug("rule cache hit", "rule_id", ruleID)
			return &cached
		}
	}

	report = e.evaluate(rule, data, context)
	report.EvaluatedAt = start
	if useCache && report.Result != Error {
		e.cache.put(key, *report, rule.CacheTTL)
	}
	e.logger.Info("rule evaluated",
		"rule_id", ruleID,
		"result", report.Result.String(),
		"score", report.Score,
		"duration", time.Since(start))
	return report
}

func (e *Engine) evaluate(rule *Rule, data, context map[string]any) *Report {
	report := &Report{RuleID: rule.ID}

	if missing := missingKeys(rule.RequiredContext, context); len(missing) > 0 {
		report.Result = Deferred
		report.MissingContext = missing
		report.Suggestions = []string{"provide missing context keys: " + strings.Join(missing, ", ")}
		return report
	}
	if !rule.appliesTo(context) {
		report.Result = Deferred
		report.Suggestions = []string{fmt.Sprintf("rule %s does not apply to this context", rule.ID)}
		return report
	}

	doc, err := json.Marshal(data)
	if err != nil {
		report.Result = Error
		report.Suggestions = []string{"data is not serialisable: " + err.Error()}
		return report
	}

	var passed, failed int
	for i, cond := range rule.Conditions {
		outcome := evaluateCondition(doc, i, cond)
		report.Conditions = append(report.Conditions, outcome)
		if outcome.Passed {
			passed++
		} else {
			failed++
			report.FailedConditions = append(report.FailedConditions, outcome.Description)
		}
	}

	report.Result, report.Score = combine(rule.Logic, rule.Conditions, report.Conditions, passed, failed)
	report.Confidence = confidence(rule, passed, len(rule.Conditions), context)
	if len(report.FailedConditions) > 0 && report.Result != Valid {
		report.Suggestions = append(report.Suggestions, "review failed conditions: "+strings.Join(report.FailedConditions, "; "))
	}
	return report
}

// evaluateCondition resolves the dotted field path against the marshaled data
// and applies the operator. Optional conditions pass automatically when the
// field is absent.
func evaluateCondition(doc []byte, index int, cond Condition) ConditionOutcome {
	outcome := ConditionOutcome{
		Description: fmt.Sprintf("Condition %d: Field '%s' %s check", index+1, cond.Field, cond.Operator),
	}
	value := gjson.GetBytes(doc, cond.Field)
	if !value.Exists() {
		if cond.Optional {
			outcome.Passed = true
			outcome.Score = 1.0
		}
		return outcome
	}

	var pass bool
	switch cond.Operator {
	case OpEquals:
		pass = valuesEqual(value, cond.Value)
	case OpNotEquals:
		pass = !valuesEqual(value, cond.Value)
	case OpGreaterThan:
		if got, want, ok := numericPair(value, cond.Value); ok {
			pass = got > want
		}
	case OpLessThan:
		if got, want, ok := numericPair(value, cond.Value); ok {
			pass = got < want
		}
	case OpContains:
		pass = containsValue(value, cond.Value)
	case OpMatches:
		if pattern, ok := cond.Value.(string); ok {
			matched, err := regexp.MatchString(pattern, value.String())
			pass = err == nil && matched
		}
	}
	outcome.Passed = pass
	if pass {
		outcome.Score = 1.0
	}
	return outcome
}

func combine(logic LogicOperator, conds []Condition, outcomes []ConditionOutcome, passed, failed int) (Result, float64) {
	switch logic {
	case LogicOr:
		if passed >= 1 {
			best := 0.0
			for _, o := range outcomes {
				if o.Passed && o.Score > best {
					best = o.Score
				}
			}
			return Valid, best
		}
		return Invalid, 0.0
	case LogicXor:
		switch {
		case passed == 1:
			return Valid, 1.0
		case passed > 1:
			return Partial, 0.5
		default:
			return Invalid, 0.0
		}
	default: // AND
		score := weightedScore(conds, outcomes)
		switch {
		case failed == 0:
			return Valid, score
		case passed == 0:
			return Invalid, 0.0
		default:
			return Partial, score
		}
	}
}

func weightedScore(conds []Condition, outcomes []ConditionOutcome) float64 {
	var total, sum float64
	for i, o := range outcomes {
		weight := conds[i].Weight
		total += weight
		sum += weight * o.Score
	}
	if total == 0 {
		return 0.0
	}
	return sum / total
}

// confidence blends condition success rate with context completeness and
// discounts slightly for rule complexity.
func confidence(rule *Rule, passed, total int, context map[string]any) float64 {
	if total == 0 {
		return 0.0
	}
	successRate := float64(passed) / float64(total)
	completeness := 1.0
	if len(rule.RequiredContext) > 0 {
		provided := len(rule.RequiredContext) - len(missingKeys(rule.RequiredContext, context))
		completeness = float64(provided) / float64(len(rule.RequiredContext))
	}
	penalty := 0.02 * float64(total)
	if penalty > 0.2 {
		penalty = 0.2
	}
	c := 0.5*successRate + 0.5*completeness - penalty
	if c < 0 {
		return 0.0
	}
	if c > 1 {
		return 1.0
	}
	return c
}

func (r *Rule) appliesTo(context map[string]any) bool {
	ctxType, _ := context["context_type"].(string)
	for _, excluded := range r.ExcludedContexts {
		if ctxType == excluded {
			return false
		}
	}
	if len(r.ApplicableContexts) == 0 {
		return true
	}
	for _, applicable := range r.ApplicableContexts {
		if ctxType == applicable {
			return true
		}
	}
	return false
}

func missingKeys(required []string, context map[string]any) []string {
	var missing []string
	for _, key := range required {
		if _, ok := context[key]; !ok {
			missing = append(missing, key)
		}
	}
	return missing
}

func valuesEqual(got gjson.Result, want any) bool {
	switch w := want.(type) {
	case nil:
		return got.Type == gjson.Null
	case string:
		return got.Type == gjson.String && got.Str == w
	case bool:
		return got.IsBool() && got.Bool() == w
	default:
		if want, ok := toFloat(want); ok {
			return got.Type == gjson.Number && got.Num == want
		}
		raw, err := json.Marshal(want)
		if err != nil {
			return false
		}
		return strings.TrimSpace(got.Raw) == string(raw)
	}
}

func numericPair(got gjson.Result, want any) (float64, float64, bool) {
	if got.Type != gjson.Number {
		return 0, 0, false
	}
	w, ok := toFloat(want)
	if !ok {
		return 0, 0, false
	}
	return got.Num, w, true
}

func containsValue(got gjson.Result, want any) bool {
	if got.IsArray() {
		for _, element := range got.Array() {
			if valuesEqual(element, want) {
				return true
			}
		}
		return false
	}
	if got.Type == gjson.String {
		if needle, ok := want.(string); ok {
			return strings.Contains(got.Str, needle)
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
