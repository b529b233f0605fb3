package synthesis

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/qualys/intelengine/internal/models"
)

// severityTable maps an indicator type to its severity for the confidence
// buckets <50, 50-79 and >=80.
var severityTable = map[models.IndicatorType][3]models.Severity{
	models.IndicatorExposedAPI:           {models.SeverityLow, models.SeverityMedium, models.SeverityHigh},
	models.IndicatorExposedCredential:    {models.SeverityMedium, models.SeverityHigh, models.SeverityCritical},
	models.IndicatorExposedEmail:         {models.SeverityLow, models.SeverityLow, models.SeverityMedium},
	models.IndicatorVulnerableTechnology: {models.SeverityLow, models.SeverityMedium, models.SeverityHigh},
	models.IndicatorSuspiciousInfra:      {models.SeverityMedium, models.SeverityHigh, models.SeverityHigh},
	models.IndicatorDataContradiction:    {models.SeverityLow, models.SeverityMedium, models.SeverityMedium},
}

func bucket(confidence int) int {
	switch {
	case confidence >= 80:
		return 2
	case confidence >= 50:
		return 1
	}
	return 0
}

// SeverityFor looks up the severity of an indicator type at the given
// aggregate confidence. Unknown types are low.
func SeverityFor(t models.IndicatorType, confidence int) models.Severity {
	row, ok := severityTable[t]
	if !ok {
		return models.SeverityLow
	}
	return row[bucket(confidence)]
}

var patternSeverity = map[models.PatternType][3]models.Severity{
	models.PatternStructural: {models.SeverityLow, models.SeverityMedium, models.SeverityHigh},
	models.PatternBehavioral: {models.SeverityLow, models.SeverityMedium, models.SeverityHigh},
	models.PatternGeographic: {models.SeverityLow, models.SeverityLow, models.SeverityMedium},
	models.PatternTemporal:   {models.SeverityLow, models.SeverityLow, models.SeverityMedium},
}

func findingSeverity(p *models.Pattern) models.Severity {
	return patternSeverity[p.Type][bucket(p.Strength)]
}

var mitigations = map[models.IndicatorType][]string{
	models.IndicatorExposedAPI:           {"Restrict the endpoint to authenticated clients", "Remove the endpoint from public documentation and indexes"},
	models.IndicatorExposedCredential:    {"Rotate the credential", "Audit access made with the credential"},
	models.IndicatorExposedEmail:         {"Monitor the address for phishing and credential stuffing"},
	models.IndicatorVulnerableTechnology: {"Upgrade to a patched release", "Suppress version banners"},
	models.IndicatorSuspiciousInfra:      {"Treat data from this source as deceptive until corroborated"},
	models.IndicatorDataContradiction:    {"Resolve the contradiction against an authoritative source"},
}

type aggregate struct {
	typ         models.IndicatorType
	subject     string
	description string
	confidence  int
	sources     map[string]bool
	entities    map[string]bool
	at          time.Time
}

type aggregator struct {
	byKey    map[string]*aggregate
	entityOf map[string][]string
}

func (a *aggregator) add(t models.IndicatorType, subject, description string, confidence int, at time.Time, sources ...string) {
	key := string(t) + "\x00" + subject
	agg, ok := a.byKey[key]
	if !ok {
		agg = &aggregate{
			typ:         t,
			subject:     subject,
			description: description,
			sources:     make(map[string]bool),
			entities:    make(map[string]bool),
		}
		a.byKey[key] = agg
	}
	agg.confidence = max(agg.confidence, confidence)
	if at.After(agg.at) {
		agg.at = at
	}
	for _, s := range sources {
		agg.sources[s] = true
		for _, e := range a.entityOf[s] {
			agg.entities[e] = true
		}
	}
}

// deriveIndicators turns intelligence facts, service-account entities and
// open contradictions into indicators, one per (type, subject).
func deriveIndicators(entities []*models.Entity, intel []*models.Intelligence, edges []*models.Relationship) []*models.Indicator {
	agg := &aggregator{byKey: make(map[string]*aggregate), entityOf: make(map[string][]string)}
	for _, e := range entities {
		for _, id := range e.DerivedFrom {
			agg.entityOf[id] = append(agg.entityOf[id], e.ID)
		}
	}

	inIntel := make(map[string]bool, len(intel))
	for _, i := range intel {
		inIntel[i.ID] = true
		f := i.Data
		if i.Reliability == models.ReliabilityX {
			_, subject := f.Subject()
			agg.add(models.IndicatorSuspiciousInfra, subject, "source suspected of deception reported "+f.String(), 100-i.Confidence, i.Timestamp, i.ID)
			continue
		}

		switch f.Kind {
		case models.FactEmail:
			agg.add(models.IndicatorExposedEmail, strings.ToLower(f.Email.Address),
				"e-mail address "+f.Email.Address+" is publicly exposed", i.Confidence, i.Timestamp, i.ID)
		case models.FactTechnology:
			if f.Technology.Version != "" {
				agg.add(models.IndicatorVulnerableTechnology, strings.ToLower(f.Technology.Host+"/"+f.Technology.Product),
					fmt.Sprintf("%s discloses %s %s", f.Technology.Host, f.Technology.Product, f.Technology.Version),
					min(i.Confidence, 60), i.Timestamp, i.ID)
			}
		case models.FactArtifact:
			a := f.Artifact
			switch a.Type {
			case models.ObservationCVE:
				agg.add(models.IndicatorVulnerableTechnology, a.Value, "reference to "+a.Value, i.Confidence, i.Timestamp, i.ID)
			case models.ObservationURL:
				if isAPIURL(a.Value) {
					agg.add(models.IndicatorExposedAPI, strings.ToLower(a.Value), "API endpoint "+a.Value+" is publicly reachable", i.Confidence, i.Timestamp, i.ID)
				}
			case models.ObservationCryptoAddress:
				agg.add(models.IndicatorSuspiciousInfra, a.Value, "cryptocurrency address "+a.Value+" published", i.Confidence/2, i.Timestamp, i.ID)
			}
		case models.FactDomain:
			if strings.HasPrefix(strings.ToLower(f.Domain.Name), "api.") {
				agg.add(models.IndicatorExposedAPI, strings.ToLower(f.Domain.Name), "API host "+f.Domain.Name+" is publicly resolvable", i.Confidence, i.Timestamp, i.ID)
			}
		}
	}

	for _, e := range entities {
		if e.Type == models.EntityServiceAccount {
			agg.add(models.IndicatorExposedCredential, e.ID, "service account "+e.Name+" is publicly identifiable", e.Confidence, e.Timestamp, e.DerivedFrom...)
			agg.byKey[string(models.IndicatorExposedCredential)+"\x00"+e.ID].entities[e.ID] = true
		}
	}

	for _, r := range edges {
		if r.Type != models.RelationContradicts || r.Deleted() || r.Resolution != models.ResolutionUnresolved {
			continue
		}
		if !inIntel[r.SourceID] && !inIntel[r.TargetID] {
			continue
		}
		agg.add(models.IndicatorDataContradiction, r.ID, "unresolved contradiction "+r.DiscoveredThrough, r.Confidence, r.Timestamp, r.SourceID, r.TargetID)
	}

	out := make([]*models.Indicator, 0, len(agg.byKey))
	for _, key := range sortedKeys(agg.byKey) {
		a := agg.byKey[key]
		confidence := max(0, min(100, a.confidence))
		out = append(out, &models.Indicator{
			Meta: models.Meta{
				ID:          stableID("indicator", string(a.typ), a.subject),
				Timestamp:   a.at,
				DerivedFrom: setToSorted(a.sources),
			},
			Type:        a.typ,
			Severity:    SeverityFor(a.typ, confidence),
			Description: a.description,
			Confidence:  confidence,
			Mitigations: append([]string(nil), mitigations[a.typ]...),
			EntityIDs:   setToSorted(a.entities),
		})
	}
	return out
}

func isAPIURL(u string) bool {
	u = strings.ToLower(u)
	return strings.Contains(u, "/api/") || strings.HasSuffix(u, "/api") ||
		strings.Contains(u, "://api.") || strings.Contains(u, "/graphql") ||
		strings.Contains(u, "swagger") || strings.Contains(u, "openapi")
}

func setToSorted(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
