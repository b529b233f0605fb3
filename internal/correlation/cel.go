package correlation

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/qualys/intelengine/internal/models"
)

// Rule is a configured contradiction rule: a CEL expression over the two
// records a and b, evaluated only when both carry facts of Kind (any kind
// when empty).
type Rule struct {
	Name       string
	Kind       models.FactKind
	Expression string
}

// CELPredicate evaluates a compiled Rule. Each record is exposed as a map
// with the keys kind, subject, value, status, product, version, owner,
// registrar, asn, country, lat, lon, confidence, reliability and source.
type CELPredicate struct {
	rule Rule
	prg  cel.Program
}

// NewCELPredicate compiles r.Expression. The expression must evaluate to a bool.
func NewCELPredicate(r Rule) (*CELPredicate, error) {
	env, err := cel.NewEnv(
		cel.Variable("a", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("b", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("creating CEL environment: %w", err)
	}

	ast, issues := env.Compile(r.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compiling rule %q: %w", r.Name, issues.Err())
	}
	prg, err := env.Program(ast, cel.CostLimit(10000), cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, fmt.Errorf("building program for rule %q: %w", r.Name, err)
	}
	return &CELPredicate{rule: r, prg: prg}, nil
}

// CompileRules compiles every rule, failing on the first invalid one.
func CompileRules(rules []Rule) ([]Predicate, error) {
	preds := make([]Predicate, 0, len(rules))
	for _, r := range rules {
		p, err := NewCELPredicate(r)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return preds, nil
}

func (p *CELPredicate) Name() string { return "rule:" + p.rule.Name }

// Contradicts reports whether the rule holds for the pair. Records of a
// different kind than the rule names never match.
func (p *CELPredicate) Contradicts(a, b *models.Intelligence) (bool, error) {
	if p.rule.Kind != "" && (a.Data.Kind != p.rule.Kind || b.Data.Kind != p.rule.Kind) {
		return false, nil
	}
	out, _, err := p.prg.Eval(map[string]any{
		"a": activation(a),
		"b": activation(b),
	})
	if err != nil {
		return false, fmt.Errorf("evaluating rule %q: %w", p.rule.Name, err)
	}
	hit, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule %q returned %T", p.rule.Name, out.Value())
	}
	return hit, nil
}

func activation(i *models.Intelligence) map[string]any {
	_, subject := i.Data.Subject()
	m := map[string]any{
		"kind":        string(i.Data.Kind),
		"subject":     subject,
		"value":       "",
		"status":      "",
		"product":     "",
		"version":     "",
		"owner":       "",
		"registrar":   "",
		"asn":         "",
		"country":     "",
		"lat":         0.0,
		"lon":         0.0,
		"confidence":  int64(i.Confidence),
		"reliability": string(i.Reliability),
		"source":      string(i.Source),
	}
	f := i.Data
	switch {
	case f.Email != nil:
		m["value"] = f.Email.Address
	case f.Domain != nil:
		m["value"] = f.Domain.Name
		m["registrar"] = f.Domain.Registrar
	case f.IP != nil:
		m["value"] = f.IP.Address
		m["asn"] = f.IP.ASN
		m["country"] = f.IP.Country
	case f.Status != nil:
		m["value"] = f.Status.Status
		m["status"] = f.Status.Status
	case f.Technology != nil:
		m["value"] = f.Technology.Product
		m["product"] = f.Technology.Product
		m["version"] = f.Technology.Version
	case f.Location != nil:
		m["lat"] = f.Location.Lat
		m["lon"] = f.Location.Lon
	case f.Ownership != nil:
		m["value"] = f.Ownership.Owner
		m["owner"] = f.Ownership.Owner
	case f.Artifact != nil:
		m["value"] = f.Artifact.Value
	}
	return m
}
