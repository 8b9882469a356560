package correlate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/itchyny/gojq"

	"github.com/driftsec/warden/pkg/models"
)

// compiledRule is a correlation or streaming rule with its predicates compiled
// for repeated evaluation.
type compiledRule struct {
	rule   *models.DetectionRule
	stages []*compiledStage

	entityKeyFields []string
	window          time.Duration
	ordered         bool
	minCount        int
	requireDistinct string
}

// compiledStage holds one stage's ready-to-run matchers.
type compiledStage struct {
	name    string
	all     []compiledCondition
	any     []compiledCondition
	expr    *gojq.Code
	capture []string
}

type compiledCondition struct {
	cond  models.Condition
	regex *regexp.Regexp
}

// compileRule prepares a rule's stages. Compilation failures are permanent
// rule defects, not event errors.
func compileRule(rule *models.DetectionRule) (*compiledRule, error) {
	cfg := rule.Correlation
	cr := &compiledRule{
		rule:            rule,
		entityKeyFields: cfg.EntityKeyFields,
		window:          cfg.Window(),
		ordered:         cfg.Ordered,
		minCount:        cfg.MinCountPerStage,
		requireDistinct: cfg.RequireDistinct,
	}
	if cr.minCount <= 0 {
		cr.minCount = 1
	}
	for i := range cfg.Stages {
		stage, err := compileStage(&cfg.Stages[i])
		if err != nil {
			return nil, fmt.Errorf("stage %q: %w", cfg.Stages[i].Name, err)
		}
		cr.stages = append(cr.stages, stage)
	}
	return cr, nil
}

func compileStage(stage *models.CorrelationStage) (*compiledStage, error) {
	cs := &compiledStage{name: stage.Name, capture: stage.Capture}
	var err error
	if cs.all, err = compileConditions(stage.Predicate.All); err != nil {
		return nil, err
	}
	if cs.any, err = compileConditions(stage.Predicate.Any); err != nil {
		return nil, err
	}
	if expr := strings.TrimSpace(stage.Predicate.Expr); expr != "" {
		parsed, err := gojq.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse expression: %w", err)
		}
		code, err := gojq.Compile(parsed)
		if err != nil {
			return nil, fmt.Errorf("failed to compile expression: %w", err)
		}
		cs.expr = code
	}
	return cs, nil
}

func compileConditions(conds []models.Condition) ([]compiledCondition, error) {
	out := make([]compiledCondition, 0, len(conds))
	for _, c := range conds {
		cc := compiledCondition{cond: c}
		if c.Op == models.OpRegex {
			re, err := regexp.Compile(c.Value)
			if err != nil {
				return nil, fmt.Errorf("field %q: invalid regex: %w", c.Field, err)
			}
			cc.regex = re
		}
		out = append(out, cc)
	}
	return out, nil
}

// Match evaluates the stage against an event. A returned error means the
// predicate itself misbehaved at runtime; the caller dead-letters the event.
func (s *compiledStage) Match(evt *models.Event) (bool, error) {
	for i := range s.all {
		ok, err := s.all[i].match(evt)
		if err != nil || !ok {
			return false, err
		}
	}
	if len(s.any) > 0 {
		matched := false
		for i := range s.any {
			ok, err := s.any[i].match(evt)
			if err != nil {
				return false, err
			}
			if ok {
				matched = true
				break
			}
		}
		if !matched {
			return false, nil
		}
	}
	if s.expr != nil {
		return s.evalExpr(evt)
	}
	return true, nil
}

func (s *compiledStage) evalExpr(evt *models.Event) (bool, error) {
	iter := s.expr.Run(eventDocument(evt))
	v, ok := iter.Next()
	if !ok {
		return false, nil
	}
	if err, isErr := v.(error); isErr {
		return false, fmt.Errorf("expression evaluation failed: %w", err)
	}
	return v != nil && v != false, nil
}

func (c *compiledCondition) match(evt *models.Event) (bool, error) {
	raw, present := evt.Field(c.cond.Field)

	if c.cond.Op == models.OpExists {
		return present, nil
	}
	// Every comparison below needs a value to compare against.
	if !present {
		return false, nil
	}
	val := stringify(raw)

	switch c.cond.Op {
	case models.OpEquals:
		return val == c.cond.Value, nil
	case models.OpNotEquals:
		return val != c.cond.Value, nil
	case models.OpContains:
		return strings.Contains(val, c.cond.Value), nil
	case models.OpPrefix:
		return strings.HasPrefix(val, c.cond.Value), nil
	case models.OpSuffix:
		return strings.HasSuffix(val, c.cond.Value), nil
	case models.OpRegex:
		return c.regex.MatchString(val), nil
	case models.OpIn:
		for _, candidate := range c.cond.Values {
			if val == candidate {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("unknown condition operator %q", c.cond.Op)
	}
}

// stringify renders a field value for comparison. JSON-decoded numbers arrive
// as float64; integral ones must compare equal to their digit form.
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

// eventDocument renders the event as the jq input document: envelope keys plus
// the normalized fields.
func eventDocument(evt *models.Event) map[string]any {
	doc := make(map[string]any, len(evt.Fields)+3)
	for k, v := range evt.Fields {
		doc[k] = v
	}
	doc["event_id"] = evt.ID
	doc["@timestamp"] = evt.Timestamp.UTC().Format(time.RFC3339Nano)
	doc["source"] = evt.Source
	return doc
}

// entityKey joins the configured key fields' values. Any missing field means
// the event carries no key for this rule.
func (r *compiledRule) entityKey(evt *models.Event) (string, bool) {
	parts := make([]string, 0, len(r.entityKeyFields))
	for _, field := range r.entityKeyFields {
		v, ok := evt.Field(field)
		if !ok {
			return "", false
		}
		s := strings.TrimSpace(stringify(v))
		if s == "" {
			return "", false
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, "|"), true
}

// captureKey scopes a captured field to the stage that matched it, so
// require_distinct can compare across stages without mixing in repeats of the
// same stage.
func captureKey(stage int, field string) string {
	return strconv.Itoa(stage) + ":" + field
}

// splitCaptureKey is the inverse of captureKey.
func splitCaptureKey(key string) (stage int, field string, ok bool) {
	idx := strings.Index(key, ":")
	if idx <= 0 {
		return 0, "", false
	}
	n, err := strconv.Atoi(key[:idx])
	if err != nil {
		return 0, "", false
	}
	return n, key[idx+1:], true
}
