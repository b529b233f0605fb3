package extraction

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/qualys/intelengine/internal/models"
)

func newTestEngine(opts ...Option) *Engine {
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	return New(opts...)
}

func rawText(content string) *models.RawData {
	return &models.RawData{
		Meta:             models.NewMeta(),
		SourceURL:        "https://target.com/contact",
		CollectionMethod: models.CollectionWebScrape,
		Content:          []byte(content),
		ContentType:      "text/html",
	}
}

func TestExtract_ContactEmail(t *testing.T) {
	e := newTestEngine()
	raw := rawText("Contact: admin@target.com")

	obs, warnings := e.Extract(raw, nil)
	if len(warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", warnings)
	}
	if len(obs) != 1 {
		t.Fatalf("expected 1 observation, got %d: %+v", len(obs), obs)
	}

	o := obs[0]
	if o.Type != models.ObservationEmail || o.Value != "admin@target.com" {
		t.Errorf("expected email admin@target.com, got %s %s", o.Type, o.Value)
	}
	if o.Confidence != 85 {
		t.Errorf("expected confidence 85, got %d", o.Confidence)
	}
	if o.ExtractedFrom != raw.ID || len(o.DerivedFrom) != 1 || o.DerivedFrom[0] != raw.ID {
		t.Errorf("expected lineage to raw %s, got extracted_from=%s derived_from=%v", raw.ID, o.ExtractedFrom, o.DerivedFrom)
	}
	if !o.Verified {
		t.Error("expected well-formed email to be marked verified")
	}
}

func TestExtract_DuplicatesMergeWithRepetitionBonus(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		occurrences int
		confidence  int
	}{
		{"single", "a@x.com", 1, 80},
		{"three copies", "a@x.com a@x.com a@x.com", 3, 86},
		{"bonus capped", strings.Repeat("a@x.com ", 10), 10, 95},
		{"case folded", "A@X.COM a@x.com", 2, 83},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs, _ := newTestEngine().Extract(rawText(tt.content), nil)
			if len(obs) != 1 {
				t.Fatalf("expected 1 observation, got %d", len(obs))
			}
			if obs[0].Occurrences != tt.occurrences {
				t.Errorf("expected %d occurrences, got %d", tt.occurrences, obs[0].Occurrences)
			}
			if obs[0].Confidence != tt.confidence {
				t.Errorf("expected confidence %d, got %d", tt.confidence, obs[0].Confidence)
			}
		})
	}
}

func TestExtract_CapsPerTypeWithWarning(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 25; i++ {
		fmt.Fprintf(&b, "user%d@example.com\n", i)
	}

	obs, warnings := newTestEngine().Extract(rawText(b.String()), nil)

	emails := 0
	for _, o := range obs {
		if o.Type == models.ObservationEmail {
			emails++
		}
	}
	if emails != 20 {
		t.Errorf("expected 20 emails, got %d", emails)
	}
	if obs[0].Value != "user0@example.com" || obs[19].Value != "user19@example.com" {
		t.Errorf("expected first 20 emails in content order, got %s .. %s", obs[0].Value, obs[19].Value)
	}

	found := false
	for _, w := range warnings {
		if w.Kind == ErrorOverflow && strings.Contains(w.Message, "dropped 5 email") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected overflow warning, got %v", warnings)
	}
}

type panicMatcher struct{}

func (panicMatcher) Name() string { return "BROKEN" }
func (panicMatcher) Applies(string) bool { return true }
func (panicMatcher) Match([]byte) ([]Candidate, error) {
	panic("index out of range")
}

type failingMatcher struct{}

func (failingMatcher) Name() string { return "FAILING" }
func (failingMatcher) Applies(string) bool { return true }
func (failingMatcher) Match([]byte) ([]Candidate, error) {
	return nil, fmt.Errorf("upstream parser unavailable")
}

func TestExtract_MatcherFailuresDoNotAbort(t *testing.T) {
	e := newTestEngine()
	matchers := append([]PatternMatcher{panicMatcher{}, failingMatcher{}}, e.Matchers()...)

	obs, warnings := e.Extract(rawText("Contact: admin@target.com"), matchers)

	if len(obs) != 1 || obs[0].Value != "admin@target.com" {
		t.Fatalf("expected email to survive matcher failures, got %+v", obs)
	}
	if len(warnings) != 2 {
		t.Fatalf("expected 2 warnings, got %v", warnings)
	}
	if warnings[0].Matcher != "BROKEN" || warnings[0].Kind != ErrorMatcherFailure {
		t.Errorf("expected BROKEN matcher failure first, got %+v", warnings[0])
	}
	if warnings[1].Matcher != "FAILING" {
		t.Errorf("expected FAILING matcher second, got %+v", warnings[1])
	}
}

func TestExtract_RegistrationOrder(t *testing.T) {
	obs, _ := newTestEngine().Extract(rawText("Contact admin@target.com on host example.org"), nil)
	if len(obs) != 2 {
		t.Fatalf("expected 2 observations, got %+v", obs)
	}
	if obs[0].Type != models.ObservationEmail || obs[1].Type != models.ObservationDomain {
		t.Errorf("expected email then domain, got %s then %s", obs[0].Type, obs[1].Type)
	}
	if obs[1].Value != "example.org" {
		t.Errorf("expected domain example.org, got %s", obs[1].Value)
	}
}

func TestExtract_StructuredFields(t *testing.T) {
	raw := rawText(`{"contact":{"email":"Ops@Target.com"},"status":"active"}`)
	raw.ContentType = "application/json; charset=utf-8"

	obs, warnings := newTestEngine().Extract(raw, nil)
	if len(warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", warnings)
	}

	byType := make(map[models.ObservationType]*models.Observation)
	for _, o := range obs {
		byType[o.Type] = o
	}
	email := byType[models.ObservationEmail]
	if email == nil || email.Value != "ops@target.com" {
		t.Fatalf("expected normalised email, got %+v", email)
	}
	if email.Occurrences != 2 {
		t.Errorf("expected regex and field matches to merge, got %d occurrences", email.Occurrences)
	}
	if status := byType[models.ObservationStatus]; status == nil || status.Value != "active" {
		t.Errorf("expected status active, got %+v", status)
	}
}

func TestExtract_MalformedJSONIsRecoverable(t *testing.T) {
	raw := rawText(`{"email": "a@b.io"`)
	raw.ContentType = "application/json"

	obs, warnings := newTestEngine().Extract(raw, nil)
	if len(obs) != 1 || obs[0].Value != "a@b.io" {
		t.Errorf("expected regex extraction to continue, got %+v", obs)
	}
	if len(warnings) != 1 || warnings[0].Matcher != "JSON_FIELDS" {
		t.Errorf("expected JSON_FIELDS warning, got %v", warnings)
	}
}

func TestExtract_EmptyContent(t *testing.T) {
	obs, warnings := newTestEngine().Extract(rawText(""), nil)
	if obs != nil {
		t.Errorf("expected no observations, got %v", obs)
	}
	if len(warnings) != 1 || warnings[0].Kind != ErrorMalformedContent {
		t.Errorf("expected malformed content warning, got %v", warnings)
	}
}

func TestExtract_ContextRequired(t *testing.T) {
	e := newTestEngine()

	obs, _ := e.Extract(rawText("build 555-123-4567 finished"), nil)
	for _, o := range obs {
		if o.Type == models.ObservationPhone {
			t.Errorf("expected no phone without context, got %s", o.Value)
		}
	}

	obs, _ = e.Extract(rawText("Call our phone line 555-123-4567"), nil)
	found := false
	for _, o := range obs {
		if o.Type == models.ObservationPhone && o.Value == "5551234567" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected phone with context, got %+v", obs)
	}
}

func TestExtract_Technology(t *testing.T) {
	raw := rawText("HTTP/1.1 200 OK\nServer: nginx/1.18.0\nX-Powered-By: PHP/7.4.3\n")
	raw.ContentType = "text/plain"

	obs, _ := newTestEngine().Extract(raw, nil)
	got := map[string]bool{}
	for _, o := range obs {
		if o.Type == models.ObservationTechnology {
			got[o.Value] = true
		}
	}
	if !got["nginx/1.18.0"] || !got["php/7.4.3"] {
		t.Errorf("expected nginx and php banners, got %v", got)
	}
}

func TestValidators(t *testing.T) {
	tests := []struct {
		name  string
		fn    Validator
		input string
		want  bool
	}{
		{"email ok", ValidEmail, "admin@target.com", true},
		{"email no tld", ValidEmail, "admin@localhost", false},
		{"domain ok", ValidDomain, "api.target.co.uk", true},
		{"domain numeric tld", ValidDomain, "host.123", false},
		{"ipv4 ok", ValidIPv4, "203.0.113.7", true},
		{"ipv4 unspecified", ValidIPv4, "0.0.0.0", false},
		{"url ok", ValidURL, "https://target.com/login", true},
		{"url ftp", ValidURL, "ftp://target.com", false},
		{"hash sha256", ValidHash, strings.Repeat("ab", 32), true},
		{"hash bad length", ValidHash, "abc123", false},
		{"cve ok", ValidCVE, "CVE-2021-44228", true},
		{"cve year", ValidCVE, "CVE-1970-1234", false},
		{"eth ok", ValidCryptoAddress, "0x" + strings.Repeat("a1", 20), true},
		{"btc legacy", ValidCryptoAddress, "1BoatSLRHtKNngkdXEeobR76b53LETtpyT", true},
		{"btc bad char", ValidCryptoAddress, "1BoatSLRHtKNngkdXEeobR76b53LETtpy0", false},
		{"file name", notFileName, "index.html", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.fn(tt.input); got != tt.want {
				t.Errorf("expected %v for %q, got %v", tt.want, tt.input, got)
			}
		})
	}
}
