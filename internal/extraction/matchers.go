package extraction

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/qualys/intelengine/internal/models"
)

type Validator func(match string) bool

// Rule describes a regex matcher. Validators reject a match outright; Syntax
// only decides whether the match earns the well-formedness bonus.
type Rule struct {
	Name            string
	Type            models.ObservationType
	ContentTypes    []string
	Patterns        []*regexp.Regexp
	Group           int // capture group holding the value, 0 for the whole match
	ContextKeywords []string
	ContextRequired bool
	ContextWindow   int
	Validators      []Validator
	Syntax          Validator
	Normalize       func(string) string
	Skip            func(content string, start, end int) bool
	BaseConfidence  int
}

type regexMatcher struct {
	rule *Rule
}

func NewRegexMatcher(rule *Rule) PatternMatcher {
	if rule.ContextWindow == 0 {
		rule.ContextWindow = 80
	}
	return &regexMatcher{rule: rule}
}

func (m *regexMatcher) Name() string { return m.rule.Name }

func (m *regexMatcher) Applies(contentType string) bool {
	return appliesTo(m.rule.ContentTypes, contentType)
}

func (m *regexMatcher) Match(content []byte) ([]Candidate, error) {
	r := m.rule
	text := string(content)

	if r.ContextRequired && len(r.ContextKeywords) > 0 && countKeywords(strings.ToLower(text), r.ContextKeywords) == 0 {
		return nil, nil
	}

	var candidates []Candidate
	for _, pattern := range r.Patterns {
		for _, idx := range pattern.FindAllStringSubmatchIndex(text, -1) {
			if 2*r.Group+1 >= len(idx) || idx[2*r.Group] < 0 {
				continue
			}
			start, end := idx[2*r.Group], idx[2*r.Group+1]
			value := text[start:end]

			if r.Skip != nil && r.Skip(text, start, end) {
				continue
			}

			valid := true
			for _, validator := range r.Validators {
				if !validator(value) {
					valid = false
					break
				}
			}
			if !valid {
				continue
			}

			before := text[max(0, start-r.ContextWindow):start]
			after := text[end:min(len(text), end+r.ContextWindow)]

			if r.Normalize != nil {
				value = r.Normalize(value)
			}

			candidates = append(candidates, Candidate{
				Type:           r.Type,
				Value:          value,
				Context:        snippet(before, text[start:end], after),
				BaseConfidence: r.BaseConfidence,
				Valid:          r.Syntax == nil || r.Syntax(value),
				ContextHits:    countKeywords(strings.ToLower(before+" "+after), r.ContextKeywords),
			})
		}
	}
	return candidates, nil
}

// FieldMatcher extracts values from structured JSON payloads by key name.
type FieldMatcher struct {
	name           string
	fields         map[string]models.ObservationType
	baseConfidence int
}

func NewFieldMatcher(name string, fields map[string]models.ObservationType) *FieldMatcher {
	normalized := make(map[string]models.ObservationType, len(fields))
	for k, v := range fields {
		normalized[strings.ToLower(k)] = v
	}
	return &FieldMatcher{name: name, fields: normalized, baseConfidence: 70}
}

func (m *FieldMatcher) Name() string { return m.name }

func (m *FieldMatcher) Applies(contentType string) bool {
	mt := mediaType(contentType)
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

func (m *FieldMatcher) Match(content []byte) ([]Candidate, error) {
	var doc interface{}
	if err := json.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("parsing json payload: %w", err)
	}
	var candidates []Candidate
	m.walk("", doc, &candidates)
	return candidates, nil
}

func (m *FieldMatcher) walk(path string, node interface{}, out *[]Candidate) {
	switch v := node.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			child := k
			if path != "" {
				child = path + "." + k
			}
			if s, ok := v[k].(string); ok {
				if t, known := m.fields[strings.ToLower(k)]; known && s != "" {
					value := normalizeFor(t, s)
					*out = append(*out, Candidate{
						Type:           t,
						Value:          value,
						Context:        "field " + child,
						BaseConfidence: m.baseConfidence,
						Valid:          syntaxFor(t)(value),
						ContextHits:    1,
					})
				}
				continue
			}
			m.walk(child, v[k], out)
		}
	case []interface{}:
		for i, item := range v {
			m.walk(fmt.Sprintf("%s[%d]", path, i), item, out)
		}
	}
}

var (
	emailPattern  = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	urlPattern    = regexp.MustCompile(`\bhttps?://[^\s"'<>]+`)
	domainPattern = regexp.MustCompile(`\b(?:[A-Za-z0-9](?:[A-Za-z0-9-]{0,61}[A-Za-z0-9])?\.)+[A-Za-z]{2,24}\b`)
	ipv4Pattern   = regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`)
)

func DefaultMatchers() []PatternMatcher {
	return []PatternMatcher{
		NewRegexMatcher(&Rule{
			Name:            "EMAIL",
			Type:            models.ObservationEmail,
			Patterns:        []*regexp.Regexp{emailPattern},
			ContextKeywords: []string{"contact", "email", "e-mail", "mailto", "reach", "support", "write to"},
			Syntax:          ValidEmail,
			Normalize:       strings.ToLower,
			BaseConfidence:  70,
		}),
		NewRegexMatcher(&Rule{
			Name:            "URL",
			Type:            models.ObservationURL,
			Patterns:        []*regexp.Regexp{urlPattern},
			ContextKeywords: []string{"href", "link", "endpoint", "api", "login"},
			Syntax:          ValidURL,
			Normalize:       trimURL,
			BaseConfidence:  65,
		}),
		NewRegexMatcher(&Rule{
			Name:            "DOMAIN",
			Type:            models.ObservationDomain,
			Patterns:        []*regexp.Regexp{domainPattern},
			ContextKeywords: []string{"domain", "host", "dns", "whois", "registrar", "subdomain"},
			Validators:      []Validator{notFileName},
			Syntax:          ValidDomain,
			Normalize:       strings.ToLower,
			Skip:            embeddedDomain,
			BaseConfidence:  60,
		}),
		NewRegexMatcher(&Rule{
			Name:            "IPV4",
			Type:            models.ObservationIPAddress,
			Patterns:        []*regexp.Regexp{ipv4Pattern},
			ContextKeywords: []string{"ip", "address", "host", "server", "resolves", "a record"},
			Syntax:          ValidIPv4,
			BaseConfidence:  65,
		}),
		NewRegexMatcher(&Rule{
			Name: "HASH",
			Type: models.ObservationHash,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`\b[a-fA-F0-9]{64}\b`),
				regexp.MustCompile(`\b[a-fA-F0-9]{40}\b`),
				regexp.MustCompile(`\b[a-fA-F0-9]{32}\b`),
			},
			ContextKeywords: []string{"sha256", "sha1", "md5", "hash", "checksum", "digest"},
			Syntax:          ValidHash,
			Normalize:       strings.ToLower,
			BaseConfidence:  60,
		}),
		NewRegexMatcher(&Rule{
			Name:            "CVE",
			Type:            models.ObservationCVE,
			Patterns:        []*regexp.Regexp{regexp.MustCompile(`(?i)\bCVE-\d{4}-\d{4,7}\b`)},
			ContextKeywords: []string{"vulnerability", "vulnerable", "patch", "exploit", "advisory"},
			Syntax:          ValidCVE,
			Normalize:       strings.ToUpper,
			BaseConfidence:  75,
		}),
		NewRegexMatcher(&Rule{
			Name: "CRYPTO_ADDRESS",
			Type: models.ObservationCryptoAddress,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`\b0x[a-fA-F0-9]{40}\b`),
				regexp.MustCompile(`\b(?:bc1[a-z0-9]{25,59}|[13][a-km-zA-HJ-NP-Z1-9]{25,34})\b`),
			},
			ContextKeywords: []string{"wallet", "bitcoin", "btc", "ethereum", "eth", "send", "donate"},
			Syntax:          ValidCryptoAddress,
			BaseConfidence:  55,
		}),
		NewRegexMatcher(&Rule{
			Name: "PHONE",
			Type: models.ObservationPhone,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`\+?\b\d{1,3}[-.\s]?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`),
				regexp.MustCompile(`\b\d{3}[-.\s]?\d{3}[-.\s]?\d{4}\b`),
			},
			ContextKeywords: []string{"phone", "tel", "call", "mobile", "fax", "contact"},
			ContextRequired: true,
			Syntax:          ValidPhone,
			Normalize:       digitsOnly,
			BaseConfidence:  50,
		}),
		NewRegexMatcher(&Rule{
			Name: "TECHNOLOGY",
			Type: models.ObservationTechnology,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?im)^\s*(?:server|x-powered-by)\s*:\s*([A-Za-z][\w.\-]*(?:/[\w.\-]+)?)`),
				regexp.MustCompile(`(?i)<meta\s+name=["']generator["']\s+content=["']([^"']+)["']`),
			},
			Group:           1,
			ContextKeywords: []string{"server", "powered", "generator", "version"},
			Normalize:       normalizeTechnology,
			BaseConfidence:  60,
		}),
		NewRegexMatcher(&Rule{
			Name:            "STATUS",
			Type:            models.ObservationStatus,
			Patterns:        []*regexp.Regexp{regexp.MustCompile(`(?i)\bstatus\s*[:=]\s*(active|inactive|decommissioned|retired|offline|online|suspended|deprecated|operational)\b`)},
			Group:           1,
			ContextKeywords: []string{"service", "server", "system", "account"},
			Normalize:       strings.ToLower,
			BaseConfidence:  55,
		}),
		NewFieldMatcher("JSON_FIELDS", map[string]models.ObservationType{
			"email":      models.ObservationEmail,
			"mail":       models.ObservationEmail,
			"ip":         models.ObservationIPAddress,
			"ip_address": models.ObservationIPAddress,
			"domain":     models.ObservationDomain,
			"hostname":   models.ObservationDomain,
			"url":        models.ObservationURL,
			"status":     models.ObservationStatus,
			"server":     models.ObservationTechnology,
		}),
	}
}

func appliesTo(accepted []string, contentType string) bool {
	if len(accepted) == 0 {
		return true
	}
	mt := mediaType(contentType)
	for _, a := range accepted {
		if strings.HasSuffix(a, "/") && strings.HasPrefix(mt, a) {
			return true
		}
		if a == mt {
			return true
		}
	}
	return false
}

func mediaType(contentType string) string {
	mt, _, _ := strings.Cut(contentType, ";")
	mt = strings.ToLower(strings.TrimSpace(mt))
	if mt == "" {
		return "text/plain"
	}
	return mt
}

func countKeywords(lowerText string, keywords []string) int {
	hits := 0
	for _, k := range keywords {
		if strings.Contains(lowerText, k) {
			hits++
		}
	}
	return hits
}

var whitespace = regexp.MustCompile(`\s+`)

func snippet(before, value, after string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(before+value+after, " "))
}

// embeddedDomain skips domain matches that belong to an e-mail address, a URL
// or a longer dotted token.
func embeddedDomain(content string, start, end int) bool {
	if start > 0 {
		switch content[start-1] {
		case '@', '/', '.', '-', '_':
			return true
		}
	}
	if end < len(content) {
		switch content[end] {
		case '@', '-', '_':
			return true
		}
	}
	return false
}

func trimURL(s string) string {
	return strings.TrimRight(s, ".,;:)!?]}'\"")
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func normalizeTechnology(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func normalizeFor(t models.ObservationType, s string) string {
	switch t {
	case models.ObservationEmail, models.ObservationDomain, models.ObservationStatus:
		return strings.ToLower(strings.TrimSpace(s))
	case models.ObservationURL:
		return trimURL(strings.TrimSpace(s))
	case models.ObservationTechnology:
		return normalizeTechnology(s)
	}
	return strings.TrimSpace(s)
}

func syntaxFor(t models.ObservationType) Validator {
	switch t {
	case models.ObservationEmail:
		return ValidEmail
	case models.ObservationDomain:
		return ValidDomain
	case models.ObservationIPAddress:
		return ValidIPv4
	case models.ObservationURL:
		return ValidURL
	case models.ObservationHash:
		return ValidHash
	case models.ObservationCVE:
		return ValidCVE
	case models.ObservationPhone:
		return ValidPhone
	case models.ObservationCryptoAddress:
		return ValidCryptoAddress
	}
	return func(string) bool { return true }
}
