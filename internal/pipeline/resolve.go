package pipeline

import (
	"strings"
	"time"

	"github.com/qualys/intelengine/internal/assessor"
	"github.com/qualys/intelengine/internal/correlation"
	"github.com/qualys/intelengine/internal/models"
)

const reportTimeout = 5 * time.Second

// serviceLocalParts mark e-mail addresses that belong to automation rather
// than a person.
var serviceLocalParts = []string{"svc", "service", "noreply", "no-reply", "bot", "api", "deploy", "ci", "jenkins", "admin"}

// resolution is the entity an intelligence record is about and, for facts
// that relate two things, the entity on the other end.
type resolution struct {
	primary  *models.Entity
	related  *models.Entity
	relation models.RelationType
	// relatedIsSource orients the link related -> primary.
	relatedIsSource bool
}

type pendingLink struct {
	from, to string
	typ      models.RelationType
	intel    string
	through  string
}

func linkEvidence(l pendingLink) correlation.LinkEvidence {
	through := l.through
	if through == "" {
		through = "fact:" + string(l.typ)
	}
	return correlation.LinkEvidence{IDs: []string{l.intel}, Through: through}
}

func resolve(raw *models.RawData, in *models.Intelligence) resolution {
	base := func(name string, t models.EntityType, ids map[string]string) *models.Entity {
		return &models.Entity{
			Meta:        models.Meta{Timestamp: in.Timestamp, DerivedFrom: []string{in.ID}},
			Name:        name,
			Type:        t,
			Confidence:  in.Confidence,
			Identifiers: ids,
			Sources:     []string{sourceOf(raw)},
			Location:    in.Location,
			Properties:  map[string]string{"reliability": string(in.Reliability)},
		}
	}
	host := func(name string) *models.Entity {
		return base(name, models.EntityServer, map[string]string{"host": strings.ToLower(name)})
	}

	f := in.Data
	switch f.Kind {
	case models.FactEmail:
		addr := strings.ToLower(f.Email.Address)
		t := models.EntityEmailAccount
		if isServiceAddress(addr) {
			t = models.EntityServiceAccount
		}
		return resolution{primary: base(addr, t, map[string]string{"email": addr})}

	case models.FactDomain:
		name := strings.ToLower(f.Domain.Name)
		e := base(name, models.EntityDomain, map[string]string{"domain": name, "host": name})
		if f.Domain.Registrar != "" {
			e.Properties["registrar"] = f.Domain.Registrar
		}
		return resolution{primary: e}

	case models.FactIP:
		e := base(f.IP.Address, models.EntityServer, map[string]string{"ip": f.IP.Address})
		if f.IP.ASN != "" {
			e.Properties["asn"] = f.IP.ASN
		}
		if f.IP.Country != "" {
			e.Properties["country"] = f.IP.Country
		}
		return resolution{primary: e}

	case models.FactStatus:
		e := host(f.Status.Subject)
		e.Properties["status"] = strings.ToLower(f.Status.Status)
		return resolution{primary: e}

	case models.FactLocation:
		e := host(f.Location.Subject)
		e.Location = &models.Location{Lat: f.Location.Lat, Lon: f.Location.Lon}
		return resolution{primary: e}

	case models.FactTechnology:
		t := f.Technology
		name := t.Product
		if t.Version != "" {
			name += " " + t.Version
		}
		tech := base(name, models.EntityTechnology, map[string]string{
			"technology": strings.ToLower(t.Host + "/" + t.Product),
		})
		tech.Properties["product"] = t.Product
		if t.Version != "" {
			tech.Properties["version"] = t.Version
		}
		return resolution{primary: tech, related: host(t.Host), relation: models.RelationHosts, relatedIsSource: true}

	case models.FactOwnership:
		owner := base(f.Ownership.Owner, models.EntityOrganization, nil)
		return resolution{primary: host(f.Ownership.Asset), related: owner, relation: models.RelationOwns, relatedIsSource: true}

	case models.FactArtifact:
		a := f.Artifact
		return resolution{primary: base(a.Value, models.EntityArtifact, map[string]string{string(a.Type): a.Value})}
	}
	return resolution{primary: base(f.String(), models.EntityArtifact, nil)}
}

func isServiceAddress(addr string) bool {
	local, _, _ := strings.Cut(addr, "@")
	for _, p := range serviceLocalParts {
		if local == p || strings.HasPrefix(local, p+"-") || strings.HasPrefix(local, p+".") || strings.HasPrefix(local, p+"_") {
			return true
		}
	}
	return false
}

// sourceOf keys an entity's provenance by payload, so byte-identical
// collections never count as independent sources.
func sourceOf(raw *models.RawData) string {
	if raw.ContentHash != "" {
		return "sha256:" + raw.ContentHash
	}
	return "raw:" + raw.ID
}

// coOccurrence links every entity a record mentions to the entity for the
// host the record was collected from.
func (e *Engine) coOccurrence(raw *models.RawData, entities []string, intel []*models.Intelligence) []pendingLink {
	subject := strings.ToLower(assessor.SubjectOf(raw))
	if subject == "" || len(intel) == 0 {
		return nil
	}
	hub, err := e.graph.FindByIdentifier("host", subject)
	if err != nil || hub == nil {
		return nil
	}
	var links []pendingLink
	for _, id := range entities {
		if id == hub.ID {
			continue
		}
		links = append(links, pendingLink{
			from:    hub.ID,
			to:      id,
			typ:     models.RelationCorrelatesWith,
			intel:   intel[0].ID,
			through: "co-occurrence:" + raw.ID,
		})
	}
	return links
}
