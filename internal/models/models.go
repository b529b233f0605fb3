package models

import (
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

type ObjectType string

const (
	ObjectRaw          ObjectType = "raw"
	ObjectObservation  ObjectType = "observation"
	ObjectPattern      ObjectType = "pattern"
	ObjectEvidence     ObjectType = "evidence"
	ObjectIntelligence ObjectType = "intelligence"
	ObjectEntity       ObjectType = "entity"
	ObjectRelationship ObjectType = "relationship"
	ObjectIndicator    ObjectType = "indicator"
	ObjectFinding      ObjectType = "finding"
	ObjectReport       ObjectType = "report"
)

type CollectionMethod string

const (
	CollectionWebScrape        CollectionMethod = "web-scrape"
	CollectionAPICall          CollectionMethod = "api-call"
	CollectionDNSLookup        CollectionMethod = "dns-lookup"
	CollectionCertificateScan  CollectionMethod = "certificate-scan"
	CollectionHeaderInspection CollectionMethod = "header-inspection"
	CollectionMetadata         CollectionMethod = "metadata"
	CollectionSocial           CollectionMethod = "social"
	CollectionDynamicRender    CollectionMethod = "dynamic-render"
	CollectionCached           CollectionMethod = "cached"
	CollectionHoneypot         CollectionMethod = "honeypot"
)

type ObservationType string

const (
	ObservationEmail         ObservationType = "email"
	ObservationIPAddress     ObservationType = "ip-address"
	ObservationDomain        ObservationType = "domain"
	ObservationURL           ObservationType = "url"
	ObservationTechnology    ObservationType = "technology"
	ObservationHash          ObservationType = "hash"
	ObservationCVE           ObservationType = "cve"
	ObservationPhone         ObservationType = "phone"
	ObservationCryptoAddress ObservationType = "crypto-address"
	ObservationStatus        ObservationType = "status"
)

type PatternType string

const (
	PatternTemporal   PatternType = "temporal"
	PatternStructural PatternType = "structural"
	PatternGeographic PatternType = "geographic"
	PatternBehavioral PatternType = "behavioral"
)

type Source string

const (
	SourceOSINT   Source = "OSINT"
	SourceSIGINT  Source = "SIGINT"
	SourceHUMINT  Source = "HUMINT"
	SourceGEOINT  Source = "GEOINT"
	SourceTECHINT Source = "TECHINT"
	SourceCYBINT  Source = "CYBINT"
)

// Reliability is the source reliability scale. A is completely reliable,
// F cannot be judged and X marks suspected deliberate deception.
type Reliability string

const (
	ReliabilityA Reliability = "A"
	ReliabilityB Reliability = "B"
	ReliabilityC Reliability = "C"
	ReliabilityD Reliability = "D"
	ReliabilityE Reliability = "E"
	ReliabilityF Reliability = "F"
	ReliabilityX Reliability = "X"
)

var reliabilityFactors = map[Reliability]float64{
	ReliabilityA: 1.0,
	ReliabilityB: 0.9,
	ReliabilityC: 0.75,
	ReliabilityD: 0.5,
	ReliabilityE: 0.25,
	ReliabilityF: 0.1,
	ReliabilityX: 0.0,
}

func (r Reliability) Valid() bool {
	_, ok := reliabilityFactors[r]
	return ok
}

// Factor returns the confidence multiplier for the rating. Unknown ratings
// are treated as X.
func (r Reliability) Factor() float64 {
	return reliabilityFactors[r]
}

type EntityType string

const (
	EntityPerson         EntityType = "person"
	EntityServer         EntityType = "server"
	EntityServiceAccount EntityType = "service-account"
	EntityDomain         EntityType = "domain"
	EntityEmailAccount   EntityType = "email-account"
	EntityOrganization   EntityType = "organization"
	EntityTechnology     EntityType = "technology"
	EntityArtifact       EntityType = "artifact"
)

type RelationType string

const (
	RelationDerivedFrom    RelationType = "derived-from"
	RelationSupports       RelationType = "supports"
	RelationContradicts    RelationType = "contradicts"
	RelationCorrelatesWith RelationType = "correlates-with"
	RelationContextualizes RelationType = "contextualizes"
	RelationManages        RelationType = "manages"
	RelationOwns           RelationType = "owns"
	RelationHosts          RelationType = "hosts"
	RelationResolvesTo     RelationType = "resolves-to"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from low (1) to critical (4). Unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

type IndicatorType string

const (
	IndicatorExposedAPI           IndicatorType = "exposed-api"
	IndicatorExposedCredential    IndicatorType = "exposed-credential"
	IndicatorExposedEmail         IndicatorType = "exposed-email"
	IndicatorVulnerableTechnology IndicatorType = "vulnerable-technology"
	IndicatorSuspiciousInfra      IndicatorType = "suspicious-infrastructure"
	IndicatorDataContradiction    IndicatorType = "data-contradiction"
)

// ResolutionStatus is carried by every contradicts relationship.
type ResolutionStatus string

const (
	ResolutionUnresolved   ResolutionStatus = "unresolved"
	ResolutionBothRetained ResolutionStatus = "both-retained"

	resolvedFavoringPrefix = "resolved-favoring-"
)

func ResolvedFavoring(id string) ResolutionStatus {
	return ResolutionStatus(resolvedFavoringPrefix + id)
}

// FavoredID returns the id a resolved-favoring status points at.
func (r ResolutionStatus) FavoredID() (string, bool) {
	s := string(r)
	if !strings.HasPrefix(s, resolvedFavoringPrefix) || len(s) == len(resolvedFavoringPrefix) {
		return "", false
	}
	return strings.TrimPrefix(s, resolvedFavoringPrefix), true
}

func (r ResolutionStatus) Valid() bool {
	if r == ResolutionUnresolved || r == ResolutionBothRetained {
		return true
	}
	_, ok := r.FavoredID()
	return ok
}

type Location struct {
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lon float64 `json:"lon" validate:"gte=-180,lte=180"`
}

// Meta is shared by every record: a stable id, the UTC creation time and the
// ids of the upstream records this one was derived from.
type Meta struct {
	ID          string    `json:"id" validate:"required"`
	Timestamp   time.Time `json:"timestamp" validate:"required"`
	DerivedFrom []string  `json:"derived_from,omitempty" validate:"dive,required"`
}

func NewMeta(derivedFrom ...string) Meta {
	return Meta{
		ID:          uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		DerivedFrom: derivedFrom,
	}
}

func (m Meta) RecordID() string { return m.ID }
func (m Meta) RecordTime() time.Time { return m.Timestamp }
func (m Meta) Lineage() []string { return m.DerivedFrom }

// Record is implemented by pointers to every model type.
type Record interface {
	RecordID() string
	RecordTime() time.Time
	Lineage() []string
	Kind() ObjectType
}

// Scored records expose a 0..100 confidence used for query ordering.
type Scored interface {
	Score() int
}

// Located records can be served by viewport queries.
type Located interface {
	Position() *Location
}

// Deletable records are tombstoned rather than removed.
type Deletable interface {
	Deleted() bool
	MarkDeleted(at time.Time)
}

type RawData struct {
	Meta
	SourceURL        string            `json:"source_url" validate:"required"`
	CollectionMethod CollectionMethod  `json:"collection_method" validate:"required,oneof=web-scrape api-call dns-lookup certificate-scan header-inspection metadata social dynamic-render cached honeypot"`
	Content          []byte            `json:"content,omitempty"`
	ContentType      string            `json:"content_type"`
	ContentRef       string            `json:"content_ref,omitempty"`
	ContentHash      string            `json:"content_hash,omitempty"`
	ContentSize      int               `json:"content_size,omitempty"`
	HTTPStatus       *int              `json:"http_status,omitempty"`
	ResponseTime     *time.Duration    `json:"response_time,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	Location         *Location         `json:"location,omitempty"`
}

func (r *RawData) Kind() ObjectType { return ObjectRaw }
func (r *RawData) Position() *Location { return r.Location }

type Observation struct {
	Meta
	Type             ObservationType `json:"type" validate:"required"`
	Value            string          `json:"value" validate:"required"`
	Context          string          `json:"context,omitempty"`
	Confidence       int             `json:"confidence" validate:"gte=0,lte=100"`
	ExtractedFrom    string          `json:"extracted_from" validate:"required"`
	ExtractionMethod string          `json:"extraction_method"`
	Verified         bool            `json:"verified"`
	Occurrences      int             `json:"occurrences,omitempty"`
}

func (o *Observation) Kind() ObjectType { return ObjectObservation }
func (o *Observation) Score() int { return o.Confidence }

type Pattern struct {
	Meta
	Type        PatternType `json:"type" validate:"required,oneof=temporal structural geographic behavioral"`
	Components  []string    `json:"components" validate:"min=2,dive,required"`
	Frequency   int         `json:"frequency"`
	Strength    int         `json:"strength" validate:"gte=0,lte=100"`
	Stability   float64     `json:"stability"`
	Uniqueness  float64     `json:"uniqueness"`
	Description string      `json:"description,omitempty"`
	DeletedAt   *time.Time  `json:"deleted_at,omitempty"`
}

func (p *Pattern) Kind() ObjectType { return ObjectPattern }
func (p *Pattern) Score() int { return p.Strength }
func (p *Pattern) Deleted() bool { return p.DeletedAt != nil }
func (p *Pattern) MarkDeleted(at time.Time) { p.DeletedAt = &at }

type CustodyStep struct {
	Step  string    `json:"step"`
	Actor string    `json:"actor"`
	At    time.Time `json:"at"`
}

type Evidence struct {
	Meta
	Type             ObservationType `json:"type"`
	Value            string          `json:"value"`
	Context          string          `json:"context,omitempty"`
	Confidence       int             `json:"confidence" validate:"gte=0,lte=100"`
	ExtractedFrom    string          `json:"extracted_from,omitempty"`
	ExtractionMethod string          `json:"extraction_method,omitempty"`
	Verified         bool            `json:"verified"`
	PatternID        string          `json:"pattern_id,omitempty"`
	Significance     int             `json:"significance" validate:"gte=0,lte=100"`
	ChainOfCustody   []CustodyStep   `json:"chain_of_custody"`
}

func (e *Evidence) Kind() ObjectType { return ObjectEvidence }
func (e *Evidence) Score() int { return e.Confidence }

type Intelligence struct {
	Meta
	Source         Source         `json:"source" validate:"required"`
	Reliability    Reliability    `json:"reliability" validate:"required,oneof=A B C D E F X"`
	Confidence     int            `json:"confidence" validate:"gte=0,lte=100"`
	Data           Fact           `json:"data"`
	Tags           []string       `json:"tags,omitempty"`
	Verified       bool           `json:"verified"`
	Classification Classification `json:"classification"`
	Location       *Location      `json:"location,omitempty"`
}

func (i *Intelligence) Kind() ObjectType { return ObjectIntelligence }
func (i *Intelligence) Score() int { return i.Confidence }
func (i *Intelligence) Position() *Location { return i.Location }

type Entity struct {
	Meta
	Name        string            `json:"name" validate:"required"`
	Type        EntityType        `json:"type" validate:"required"`
	Confidence  int               `json:"confidence" validate:"gte=0,lte=100"`
	Properties  map[string]string `json:"properties,omitempty"`
	Identifiers map[string]string `json:"identifiers,omitempty"`
	Sources     []string          `json:"sources,omitempty"`
	Location    *Location         `json:"location,omitempty"`
	// Contributions sums every record merged into the entity so Confidence can
	// be recomputed after a restart.
	Contributions Contributions `json:"contributions"`
	UpdatedAt     time.Time     `json:"updated_at"`
	DeletedAt     *time.Time    `json:"deleted_at,omitempty"`
}

// Contributions are the running totals behind a confidence-weighted mean.
type Contributions struct {
	Count   int   `json:"count"`
	Sum     int64 `json:"sum"`
	Squares int64 `json:"squares"`
}

// Add records one contribution with the given confidence.
func (c *Contributions) Add(confidence int) {
	w := int64(confidence)
	c.Count++
	c.Sum += w
	c.Squares += w * w
}

// Mean returns the confidence-weighted mean, sum(w*w)/sum(w), rounded and
// clamped to [0, 100].
func (c Contributions) Mean() int {
	if c.Sum <= 0 {
		return 0
	}
	return max(0, min(100, int(math.Round(float64(c.Squares)/float64(c.Sum)))))
}

func (e *Entity) Kind() ObjectType { return ObjectEntity }
func (e *Entity) Score() int { return e.Confidence }
func (e *Entity) Position() *Location { return e.Location }
func (e *Entity) Deleted() bool { return e.DeletedAt != nil }
func (e *Entity) MarkDeleted(at time.Time) { e.DeletedAt = &at }

type Relationship struct {
	Meta
	SourceID          string           `json:"source_id" validate:"required"`
	TargetID          string           `json:"target_id" validate:"required"`
	Type              RelationType     `json:"type" validate:"required"`
	Bidirectional     bool             `json:"bidirectional"`
	Confidence        int              `json:"confidence" validate:"gte=0,lte=100"`
	Evidence          []string         `json:"evidence,omitempty"`
	DiscoveredThrough string           `json:"discovered_through,omitempty"`
	Resolution        ResolutionStatus `json:"resolution,omitempty"`
	UpdatedAt         time.Time        `json:"updated_at"`
	DeletedAt         *time.Time       `json:"deleted_at,omitempty"`
}

func (r *Relationship) Kind() ObjectType { return ObjectRelationship }
func (r *Relationship) Score() int { return r.Confidence }
func (r *Relationship) Deleted() bool { return r.DeletedAt != nil }
func (r *Relationship) MarkDeleted(at time.Time) { r.DeletedAt = &at }

type Indicator struct {
	Meta
	Type        IndicatorType `json:"type" validate:"required"`
	Severity    Severity      `json:"severity" validate:"required,oneof=low medium high critical"`
	Description string        `json:"description"`
	Confidence  int           `json:"confidence" validate:"gte=0,lte=100"`
	Mitigations []string      `json:"mitigations,omitempty"`
	EntityIDs   []string      `json:"entity_ids,omitempty"`
	DeletedAt   *time.Time    `json:"deleted_at,omitempty"`
}

func (i *Indicator) Kind() ObjectType { return ObjectIndicator }
func (i *Indicator) Score() int { return i.Confidence }
func (i *Indicator) Deleted() bool { return i.DeletedAt != nil }
func (i *Indicator) MarkDeleted(at time.Time) { i.DeletedAt = &at }

type Finding struct {
	Meta
	Severity           Severity   `json:"severity" validate:"required,oneof=low medium high critical"`
	Summary            string     `json:"summary"`
	SupportingEvidence []string   `json:"supporting_evidence" validate:"min=1"`
	Confidence         int        `json:"confidence" validate:"gte=0,lte=100"`
	PatternID          string     `json:"pattern_id,omitempty"`
	EntityIDs          []string   `json:"entity_ids,omitempty"`
	IndicatorIDs       []string   `json:"indicator_ids,omitempty"`
	DeletedAt          *time.Time `json:"deleted_at,omitempty"`
}

func (f *Finding) Kind() ObjectType { return ObjectFinding }
func (f *Finding) Score() int { return f.Confidence }
func (f *Finding) Deleted() bool { return f.DeletedAt != nil }
func (f *Finding) MarkDeleted(at time.Time) { f.DeletedAt = &at }

type IntelReport struct {
	Meta
	Title              string         `json:"title" validate:"required"`
	Summary            string         `json:"summary"`
	Content            string         `json:"content"`
	Classification     Classification `json:"classification"`
	BaseIntelligence   []string       `json:"base_intelligence"`
	KeyFindings        []string       `json:"key_findings"`
	CriticalIndicators []string       `json:"critical_indicators"`
	AuthoredBy         string         `json:"authored_by"`
	PublishedAt        time.Time      `json:"published_at"`
	Tags               []string       `json:"tags,omitempty"`
	Location           *Location      `json:"location,omitempty"`
	ContentHash        string         `json:"content_hash,omitempty"`
	AnchorReceipt      string         `json:"anchor_receipt,omitempty"`
}

func (r *IntelReport) Kind() ObjectType { return ObjectReport }
func (r *IntelReport) Position() *Location { return r.Location }
