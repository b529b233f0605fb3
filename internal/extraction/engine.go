package extraction

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/qualys/intelengine/internal/models"
)

const (
	syntaxBonus        = 10
	contextBonusPerHit = 5
	repetitionBonus    = 3
	repetitionCap      = 15
)

type ErrorKind string

const (
	ErrorMatcherFailure   ErrorKind = "matcher-failure"
	ErrorMalformedContent ErrorKind = "malformed-content"
	ErrorOverflow         ErrorKind = "overflow"
)

// ExtractionError is a recoverable problem reported alongside results.
type ExtractionError struct {
	Matcher string    `json:"matcher,omitempty"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e ExtractionError) Error() string {
	if e.Matcher == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Matcher, e.Message)
}

// Candidate is a single raw match before scoring and deduplication.
type Candidate struct {
	Type           models.ObservationType
	Value          string
	Context        string
	BaseConfidence int
	Valid          bool
	ContextHits    int
}

type PatternMatcher interface {
	Name() string
	// Applies reports whether the matcher handles the given content type.
	Applies(contentType string) bool
	Match(content []byte) ([]Candidate, error)
}

type Engine struct {
	matchers   []PatternMatcher
	maxPerType map[models.ObservationType]int
	defaultMax int
	contextCap int
	logger     *slog.Logger
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithLimits sets the per-type output caps. Types absent from perType use
// defaultMax.
func WithLimits(perType map[string]int, defaultMax int) Option {
	return func(e *Engine) {
		for t, n := range perType {
			e.maxPerType[models.ObservationType(t)] = n
		}
		if defaultMax > 0 {
			e.defaultMax = defaultMax
		}
	}
}

func WithContextBonusCap(n int) Option {
	return func(e *Engine) {
		e.contextCap = n
	}
}

func WithMatchers(matchers ...PatternMatcher) Option {
	return func(e *Engine) {
		e.matchers = matchers
	}
}

func New(opts ...Option) *Engine {
	e := &Engine{
		matchers:   DefaultMatchers(),
		maxPerType: map[models.ObservationType]int{models.ObservationEmail: 20},
		defaultMax: 50,
		contextCap: 15,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Register(m PatternMatcher) {
	e.matchers = append(e.matchers, m)
}

func (e *Engine) Matchers() []PatternMatcher {
	out := make([]PatternMatcher, len(e.matchers))
	copy(out, e.matchers)
	return out
}

type aggregate struct {
	obs         *models.Observation
	best        int
	occurrences int
}

// Extract runs matchers over raw in registration order and returns one
// Observation per distinct (type, value). When matchers is nil the engine's
// registered matchers are used. Matcher failures never abort extraction.
func (e *Engine) Extract(raw *models.RawData, matchers []PatternMatcher) ([]*models.Observation, []ExtractionError) {
	if matchers == nil {
		matchers = e.matchers
	}

	var warnings []ExtractionError
	if raw == nil || len(raw.Content) == 0 {
		return nil, append(warnings, ExtractionError{Kind: ErrorMalformedContent, Message: "raw data has no content"})
	}

	var order []string
	byKey := make(map[string]*aggregate)

	for _, m := range matchers {
		if !m.Applies(raw.ContentType) {
			continue
		}

		candidates, err := runMatcher(m, raw.Content)
		if err != nil {
			warnings = append(warnings, ExtractionError{Matcher: m.Name(), Kind: ErrorMatcherFailure, Message: err.Error()})
			e.logger.Warn("matcher failed", "matcher", m.Name(), "raw_id", raw.ID, "error", err)
			if len(candidates) == 0 {
				continue
			}
		}

		for _, c := range candidates {
			if c.Value == "" {
				continue
			}
			conf := e.score(c)
			key := string(c.Type) + "\x00" + c.Value

			if agg, ok := byKey[key]; ok {
				agg.occurrences++
				if conf > agg.best {
					agg.best = conf
					agg.obs.Context = c.Context
					agg.obs.ExtractionMethod = m.Name()
				}
				agg.obs.Verified = agg.obs.Verified || c.Valid
				continue
			}

			byKey[key] = &aggregate{
				obs: &models.Observation{
					Meta:             models.NewMeta(raw.ID),
					Type:             c.Type,
					Value:            c.Value,
					Context:          c.Context,
					ExtractedFrom:    raw.ID,
					ExtractionMethod: m.Name(),
					Verified:         c.Valid,
				},
				best:        conf,
				occurrences: 1,
			}
			order = append(order, key)
		}
	}

	counts := make(map[models.ObservationType]int)
	dropped := make(map[models.ObservationType]int)
	out := make([]*models.Observation, 0, len(order))

	for _, key := range order {
		agg := byKey[key]
		t := agg.obs.Type
		if counts[t] >= e.limit(t) {
			dropped[t]++
			continue
		}
		counts[t]++

		bonus := min(repetitionBonus*(agg.occurrences-1), repetitionCap)
		agg.obs.Confidence = clamp(agg.best + bonus)
		agg.obs.Occurrences = agg.occurrences
		out = append(out, agg.obs)
	}

	for _, t := range sortedTypes(dropped) {
		warnings = append(warnings, ExtractionError{
			Kind:    ErrorOverflow,
			Message: fmt.Sprintf("dropped %d %s observations over cap of %d", dropped[t], t, e.limit(t)),
		})
		e.logger.Warn("extraction cap reached", "raw_id", raw.ID, "type", t, "dropped", dropped[t])
	}

	return out, warnings
}

func (e *Engine) limit(t models.ObservationType) int {
	if n, ok := e.maxPerType[t]; ok {
		return n
	}
	return e.defaultMax
}

func (e *Engine) score(c Candidate) int {
	conf := c.BaseConfidence
	if c.Valid {
		conf += syntaxBonus
	}
	conf += min(contextBonusPerHit*c.ContextHits, e.contextCap)
	return clamp(conf)
}

func runMatcher(m PatternMatcher, content []byte) (candidates []Candidate, err error) {
	defer func() {
		if r := recover(); r != nil {
			candidates = nil
			err = fmt.Errorf("matcher panicked: %v", r)
		}
	}()
	return m.Match(content)
}

func clamp(v int) int {
	return max(0, min(100, v))
}

func sortedTypes(m map[models.ObservationType]int) []models.ObservationType {
	types := make([]models.ObservationType, 0, len(m))
	for t := range m {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
