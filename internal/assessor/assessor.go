package assessor

import (
	"log/slog"
	"math"
	"net/url"
	"strings"
	"sync"

	"github.com/qualys/intelengine/internal/models"
)

// CrossValidationBonus is added once a (type, value) pair has been seen from
// at least two independent sources.
const CrossValidationBonus = 15

var methodReliability = map[models.CollectionMethod]models.Reliability{
	models.CollectionDNSLookup:        models.ReliabilityB,
	models.CollectionCertificateScan:  models.ReliabilityB,
	models.CollectionHeaderInspection: models.ReliabilityB,
	models.CollectionWebScrape:        models.ReliabilityC,
	models.CollectionMetadata:         models.ReliabilityC,
	models.CollectionAPICall:          models.ReliabilityC,
	models.CollectionSocial:           models.ReliabilityD,
	models.CollectionDynamicRender:    models.ReliabilityF,
	models.CollectionCached:           models.ReliabilityF,
	models.CollectionHoneypot:         models.ReliabilityX,
}

// AssessReliability rates a source by how it was collected. Collectors can
// flag suspected deception through the "honeypot" metadata key.
func AssessReliability(raw *models.RawData) models.Reliability {
	if raw == nil {
		return models.ReliabilityX
	}
	if v := strings.ToLower(raw.Metadata["honeypot"]); v == "true" || v == "suspected" {
		return models.ReliabilityX
	}
	if r, ok := methodReliability[raw.CollectionMethod]; ok {
		return r
	}
	return models.ReliabilityE
}

// PropagateConfidence scales an observation's confidence by the reliability
// of its source, rounded to the nearest integer in [0, 100].
func PropagateConfidence(obs *models.Observation, rel models.Reliability) int {
	if obs == nil {
		return 0
	}
	return clamp(int(math.Round(float64(obs.Confidence) * rel.Factor())))
}

func clamp(v int) int {
	return max(0, min(100, v))
}

type sighting struct {
	sources map[string]bool
	hashes  map[string]bool
}

// CrossValidator remembers which independent sources reported each
// (type, value) pair. Two sources are independent when they differ in host
// or collection method; byte-identical payloads count once.
type CrossValidator struct {
	mu        sync.Mutex
	sightings map[string]*sighting
}

func NewCrossValidator() *CrossValidator {
	return &CrossValidator{sightings: make(map[string]*sighting)}
}

// Observe records a sighting and returns the number of independent sources
// that have reported the pair so far.
func (cv *CrossValidator) Observe(obs *models.Observation, raw *models.RawData) int {
	key := string(obs.Type) + "\x00" + obs.Value

	cv.mu.Lock()
	defer cv.mu.Unlock()

	s, ok := cv.sightings[key]
	if !ok {
		s = &sighting{sources: make(map[string]bool), hashes: make(map[string]bool)}
		cv.sightings[key] = s
	}

	contentKey := raw.ContentHash
	if contentKey == "" {
		contentKey = raw.ID
	}
	if s.hashes[contentKey] {
		return len(s.sources)
	}
	s.hashes[contentKey] = true
	s.sources[SourceKey(raw)] = true
	return len(s.sources)
}

func (cv *CrossValidator) Sources(t models.ObservationType, value string) int {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	if s, ok := cv.sightings[string(t)+"\x00"+value]; ok {
		return len(s.sources)
	}
	return 0
}

// Reset forgets every sighting.
func (cv *CrossValidator) Reset() {
	cv.mu.Lock()
	cv.sightings = make(map[string]*sighting)
	cv.mu.Unlock()
}

func SourceKey(raw *models.RawData) string {
	host := raw.SourceURL
	if u, err := url.Parse(raw.SourceURL); err == nil && u.Host != "" {
		host = u.Hostname()
	}
	return strings.ToLower(host) + "|" + string(raw.CollectionMethod)
}

type Assessor struct {
	cross  *CrossValidator
	logger *slog.Logger
}

type Option func(*Assessor)

func WithLogger(logger *slog.Logger) Option {
	return func(a *Assessor) {
		a.logger = logger
	}
}

func WithCrossValidator(cv *CrossValidator) Option {
	return func(a *Assessor) {
		a.cross = cv
	}
}

func New(opts ...Option) *Assessor {
	a := &Assessor{
		cross:  NewCrossValidator(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Assessor) CrossValidator() *CrossValidator {
	return a.cross
}

// Assess turns an observation into a reliability-rated Intelligence record.
func (a *Assessor) Assess(raw *models.RawData, obs *models.Observation) *models.Intelligence {
	rel := AssessReliability(raw)
	conf := PropagateConfidence(obs, rel)

	sources := a.cross.Observe(obs, raw)
	corroborated := sources >= 2
	if corroborated {
		conf = min(100, conf+CrossValidationBonus)
		a.logger.Debug("cross-validated observation", "type", obs.Type, "value", obs.Value, "sources", sources)
	}

	tags := []string{"collection:" + string(raw.CollectionMethod), "type:" + string(obs.Type)}
	if corroborated {
		tags = append(tags, "cross-validated")
	}

	return &models.Intelligence{
		Meta:           models.NewMeta(obs.ID),
		Source:         sourceOf(raw),
		Reliability:    rel,
		Confidence:     conf,
		Data:           FactFor(raw, obs),
		Tags:           tags,
		Verified:       obs.Verified && (rel == models.ReliabilityA || rel == models.ReliabilityB),
		Classification: classificationOf(raw),
		Location:       raw.Location,
	}
}

// FactFor maps an observation onto the closed Fact union. Status and
// technology observations are attributed to the host they were collected from.
func FactFor(raw *models.RawData, obs *models.Observation) models.Fact {
	switch obs.Type {
	case models.ObservationEmail:
		return models.EmailFactOf(obs.Value)
	case models.ObservationDomain:
		return models.DomainFactOf(obs.Value)
	case models.ObservationIPAddress:
		return models.IPFactOf(obs.Value)
	case models.ObservationStatus:
		return models.StatusFactOf(SubjectOf(raw), obs.Value)
	case models.ObservationTechnology:
		product, version, _ := strings.Cut(obs.Value, "/")
		if version == "" {
			if i := strings.LastIndexByte(product, ' '); i > 0 {
				product, version = product[:i], product[i+1:]
			}
		}
		return models.TechnologyFactOf(SubjectOf(raw), product, version)
	}
	return models.ArtifactFactOf(obs.Type, obs.Value)
}

// SubjectOf names the host or subject a RawData record describes.
func SubjectOf(raw *models.RawData) string {
	if s := raw.Metadata["subject"]; s != "" {
		return s
	}
	if u, err := url.Parse(raw.SourceURL); err == nil && u.Host != "" {
		return u.Hostname()
	}
	return raw.SourceURL
}

func sourceOf(raw *models.RawData) models.Source {
	switch s := models.Source(strings.ToUpper(raw.Metadata["source"])); s {
	case models.SourceSIGINT, models.SourceHUMINT, models.SourceGEOINT, models.SourceTECHINT, models.SourceCYBINT:
		return s
	}
	return models.SourceOSINT
}

func classificationOf(raw *models.RawData) models.Classification {
	level, err := models.ParseClassification(raw.Metadata["classification"])
	if err != nil {
		return models.Unclassified
	}
	return level
}
