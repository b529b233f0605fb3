package models

import (
	"fmt"
	"strings"
)

type FactKind string

const (
	FactEmail      FactKind = "email"
	FactDomain     FactKind = "domain"
	FactIP         FactKind = "ip-address"
	FactStatus     FactKind = "status"
	FactTechnology FactKind = "technology"
	FactLocation   FactKind = "location"
	FactOwnership  FactKind = "ownership"
	FactArtifact   FactKind = "artifact"
)

// Fact is the asserted content of an Intelligence record. Exactly one variant
// pointer is set and it must agree with Kind.
type Fact struct {
	Kind       FactKind        `json:"kind"`
	Email      *EmailFact      `json:"email,omitempty"`
	Domain     *DomainFact     `json:"domain,omitempty"`
	IP         *IPFact         `json:"ip,omitempty"`
	Status     *StatusFact     `json:"status,omitempty"`
	Technology *TechnologyFact `json:"technology,omitempty"`
	Location   *LocationFact   `json:"location,omitempty"`
	Ownership  *OwnershipFact  `json:"ownership,omitempty"`
	Artifact   *ArtifactFact   `json:"artifact,omitempty"`
}

type EmailFact struct {
	Address string `json:"address"`
}

type DomainFact struct {
	Name       string   `json:"name"`
	Registrar  string   `json:"registrar,omitempty"`
	ResolvesTo []string `json:"resolves_to,omitempty"`
}

type IPFact struct {
	Address string `json:"address"`
	ASN     string `json:"asn,omitempty"`
	Country string `json:"country,omitempty"`
}

// StatusFact asserts the operational state of a subject, e.g. active or
// decommissioned.
type StatusFact struct {
	Subject string `json:"subject"`
	Status  string `json:"status"`
}

type TechnologyFact struct {
	Host    string `json:"host"`
	Product string `json:"product"`
	Version string `json:"version,omitempty"`
}

type LocationFact struct {
	Subject string  `json:"subject"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

type OwnershipFact struct {
	Asset string `json:"asset"`
	Owner string `json:"owner"`
}

// ArtifactFact carries values with no exclusivity semantics: hashes, CVEs,
// URLs, phone numbers and wallet addresses.
type ArtifactFact struct {
	Type  ObservationType `json:"type"`
	Value string          `json:"value"`
}

func EmailFactOf(address string) Fact {
	return Fact{Kind: FactEmail, Email: &EmailFact{Address: address}}
}

func DomainFactOf(name string) Fact {
	return Fact{Kind: FactDomain, Domain: &DomainFact{Name: name}}
}

func IPFactOf(address string) Fact {
	return Fact{Kind: FactIP, IP: &IPFact{Address: address}}
}

func StatusFactOf(subject, status string) Fact {
	return Fact{Kind: FactStatus, Status: &StatusFact{Subject: subject, Status: status}}
}

func TechnologyFactOf(host, product, version string) Fact {
	return Fact{Kind: FactTechnology, Technology: &TechnologyFact{Host: host, Product: product, Version: version}}
}

func LocationFactOf(subject string, lat, lon float64) Fact {
	return Fact{Kind: FactLocation, Location: &LocationFact{Subject: subject, Lat: lat, Lon: lon}}
}

func OwnershipFactOf(asset, owner string) Fact {
	return Fact{Kind: FactOwnership, Ownership: &OwnershipFact{Asset: asset, Owner: owner}}
}

func ArtifactFactOf(t ObservationType, value string) Fact {
	return Fact{Kind: FactArtifact, Artifact: &ArtifactFact{Type: t, Value: value}}
}

func (f Fact) set() int {
	n := 0
	for _, present := range []bool{
		f.Email != nil, f.Domain != nil, f.IP != nil, f.Status != nil,
		f.Technology != nil, f.Location != nil, f.Ownership != nil, f.Artifact != nil,
	} {
		if present {
			n++
		}
	}
	return n
}

func (f Fact) Validate() error {
	if n := f.set(); n != 1 {
		return NewValidationError("fact must carry exactly one variant, got %d", n)
	}
	var ok bool
	switch f.Kind {
	case FactEmail:
		ok = f.Email != nil && f.Email.Address != ""
	case FactDomain:
		ok = f.Domain != nil && f.Domain.Name != ""
	case FactIP:
		ok = f.IP != nil && f.IP.Address != ""
	case FactStatus:
		ok = f.Status != nil && f.Status.Subject != "" && f.Status.Status != ""
	case FactTechnology:
		ok = f.Technology != nil && f.Technology.Host != "" && f.Technology.Product != ""
	case FactLocation:
		ok = f.Location != nil && f.Location.Subject != "" &&
			f.Location.Lat >= -90 && f.Location.Lat <= 90 &&
			f.Location.Lon >= -180 && f.Location.Lon <= 180
	case FactOwnership:
		ok = f.Ownership != nil && f.Ownership.Asset != "" && f.Ownership.Owner != ""
	case FactArtifact:
		ok = f.Artifact != nil && f.Artifact.Value != ""
	default:
		return NewValidationError("unknown fact kind %q", f.Kind)
	}
	if !ok {
		return NewValidationError("fact of kind %q is missing required fields", f.Kind)
	}
	return nil
}

// Subject returns the identifier of the real-world object the fact is about,
// as an identifier kind and a normalised value.
func (f Fact) Subject() (kind, value string) {
	switch f.Kind {
	case FactEmail:
		if f.Email != nil {
			return "email", strings.ToLower(f.Email.Address)
		}
	case FactDomain:
		if f.Domain != nil {
			return "domain", strings.ToLower(f.Domain.Name)
		}
	case FactIP:
		if f.IP != nil {
			return "ip", f.IP.Address
		}
	case FactStatus:
		if f.Status != nil {
			return "subject", strings.ToLower(f.Status.Subject)
		}
	case FactTechnology:
		if f.Technology != nil {
			return "host", strings.ToLower(f.Technology.Host)
		}
	case FactLocation:
		if f.Location != nil {
			return "subject", strings.ToLower(f.Location.Subject)
		}
	case FactOwnership:
		if f.Ownership != nil {
			return "asset", strings.ToLower(f.Ownership.Asset)
		}
	case FactArtifact:
		if f.Artifact != nil {
			return string(f.Artifact.Type), f.Artifact.Value
		}
	}
	return "", ""
}

func (f Fact) String() string {
	kind, value := f.Subject()
	switch f.Kind {
	case FactStatus:
		if f.Status != nil {
			return fmt.Sprintf("status(%s)=%s", value, f.Status.Status)
		}
	case FactTechnology:
		if f.Technology != nil {
			return fmt.Sprintf("technology(%s)=%s %s", value, f.Technology.Product, f.Technology.Version)
		}
	case FactOwnership:
		if f.Ownership != nil {
			return fmt.Sprintf("owner(%s)=%s", value, f.Ownership.Owner)
		}
	}
	return fmt.Sprintf("%s:%s", kind, value)
}
