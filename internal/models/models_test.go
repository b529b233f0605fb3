package models

import (
	"errors"
	"testing"
)

func TestReliabilityFactor(t *testing.T) {
	tests := []struct {
		rating Reliability
		want   float64
		valid  bool
	}{
		{ReliabilityA, 1.0, true},
		{ReliabilityB, 0.9, true},
		{ReliabilityC, 0.75, true},
		{ReliabilityD, 0.5, true},
		{ReliabilityE, 0.25, true},
		{ReliabilityF, 0.1, true},
		{ReliabilityX, 0.0, true},
		{Reliability("Z"), 0.0, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.rating), func(t *testing.T) {
			if got := tt.rating.Factor(); got != tt.want {
				t.Errorf("expected factor %v, got %v", tt.want, got)
			}
			if got := tt.rating.Valid(); got != tt.valid {
				t.Errorf("expected valid=%v, got %v", tt.valid, got)
			}
		})
	}
}

func TestResolutionStatus(t *testing.T) {
	favoring := ResolvedFavoring("intel-1")
	if id, ok := favoring.FavoredID(); !ok || id != "intel-1" {
		t.Errorf("expected favored id intel-1, got %q (ok=%v)", id, ok)
	}
	if !favoring.Valid() || !ResolutionUnresolved.Valid() || !ResolutionBothRetained.Valid() {
		t.Error("expected all resolution forms to be valid")
	}
	if ResolutionStatus("resolved-favoring-").Valid() {
		t.Error("expected empty favored id to be invalid")
	}
	if ResolutionStatus("").Valid() {
		t.Error("expected empty resolution to be invalid")
	}
}

func TestClassificationOrdering(t *testing.T) {
	if got := MaxClassification(Confidential, TopSecret, Unclassified); got != TopSecret {
		t.Errorf("expected TOP_SECRET, got %s", got)
	}
	if got := MaxClassification(); got != Unclassified {
		t.Errorf("expected UNCLASSIFIED for no levels, got %s", got)
	}

	level, err := ParseClassification("top secret")
	if err != nil || level != TopSecret {
		t.Errorf("expected TopSecret, got %s (err=%v)", level, err)
	}
	if _, err := ParseClassification("cosmic"); err == nil {
		t.Error("expected error for unknown classification")
	}
}

func TestValidate(t *testing.T) {
	raw := &RawData{
		Meta:             NewMeta(),
		SourceURL:        "https://target.com",
		CollectionMethod: CollectionWebScrape,
		Content:          []byte("Contact: admin@target.com"),
	}
	if err := Validate(raw); err != nil {
		t.Fatalf("expected raw data to validate, got %v", err)
	}

	tests := []struct {
		name    string
		record  Record
		wantErr bool
	}{
		{
			name: "valid observation",
			record: &Observation{
				Meta: NewMeta(raw.ID), Type: ObservationEmail, Value: "admin@target.com",
				Confidence: 85, ExtractedFrom: raw.ID,
			},
		},
		{
			name: "confidence above range",
			record: &Observation{
				Meta: NewMeta(raw.ID), Type: ObservationEmail, Value: "admin@target.com",
				Confidence: 101, ExtractedFrom: raw.ID,
			},
			wantErr: true,
		},
		{
			name: "missing lineage",
			record: &Observation{
				Meta: NewMeta(), Type: ObservationEmail, Value: "admin@target.com",
				Confidence: 50, ExtractedFrom: raw.ID,
			},
			wantErr: true,
		},
		{
			name: "invalid reliability",
			record: &Intelligence{
				Meta: NewMeta(raw.ID), Source: SourceOSINT, Reliability: "Q",
				Confidence: 50, Data: EmailFactOf("admin@target.com"),
			},
			wantErr: true,
		},
		{
			name: "fact with two variants",
			record: &Intelligence{
				Meta: NewMeta(raw.ID), Source: SourceOSINT, Reliability: ReliabilityC,
				Confidence: 50, Data: Fact{Kind: FactEmail, Email: &EmailFact{Address: "a@b.co"}, Domain: &DomainFact{Name: "b.co"}},
			},
			wantErr: true,
		},
		{
			name: "contradiction without resolution",
			record: &Relationship{
				Meta: NewMeta(raw.ID), SourceID: "a", TargetID: "b", Type: RelationContradicts, Confidence: 50,
			},
			wantErr: true,
		},
		{
			name: "derived from itself",
			record: &Intelligence{
				Meta: Meta{ID: "int-1", Timestamp: raw.Timestamp, DerivedFrom: []string{raw.ID, "int-1"}}, Source: SourceOSINT,
				Reliability: ReliabilityC, Confidence: 50, Data: EmailFactOf("admin@target.com"),
			},
			wantErr: true,
		},
		{
			name: "self loop",
			record: &Relationship{
				Meta: NewMeta(raw.ID), SourceID: "a", TargetID: "a", Type: RelationManages, Confidence: 50,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.record)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected validation error, got nil")
				}
				if !errors.Is(err, ErrValidation) {
					t.Errorf("expected ErrValidation, got %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("expected no error, got %v", err)
			}
		})
	}
}

func TestToError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		code      ErrorCode
		retryable bool
	}{
		{"validation", NewValidationError("bad"), CodeValidation, false},
		{"dangling", NewDanglingReferenceError("x"), CodeValidation, false},
		{"stale", &StaleReferenceError{IDs: []string{"f1"}}, CodeStaleReference, false},
		{"storage", NewStorageUnavailable("put", 3, errors.New("io")), CodeStorageUnavailable, true},
		{"wrapped not found", errWrap(ErrNotFound), CodeNotFound, false},
		{"unknown", errors.New("boom"), CodeInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ToError(tt.err)
			if got.Code != tt.code {
				t.Errorf("expected code %s, got %s", tt.code, got.Code)
			}
			if got.Retryable != tt.retryable {
				t.Errorf("expected retryable=%v, got %v", tt.retryable, got.Retryable)
			}
		})
	}

	if !errors.Is(NewDanglingReferenceError("x"), ErrDanglingReference) {
		t.Error("expected dangling reference error to match ErrDanglingReference")
	}
	if !errors.Is(&StaleReferenceError{}, ErrStaleReference) {
		t.Error("expected stale reference error to match ErrStaleReference")
	}
}

func errWrap(err error) error {
	return &wrapped{err}
}

type wrapped struct{ err error }

func (w *wrapped) Error() string { return "wrapped: " + w.err.Error() }
func (w *wrapped) Unwrap() error { return w.err }

func TestCodecRoundTripPreservesType(t *testing.T) {
	intel := &Intelligence{
		Meta:           NewMeta("raw-1"),
		Source:         SourceOSINT,
		Reliability:    ReliabilityB,
		Confidence:     77,
		Data:           StatusFactOf("srv-1", "active"),
		Classification: Secret,
	}

	b, err := Encode(intel)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, ok := decoded.(*Intelligence)
	if !ok {
		t.Fatalf("expected *Intelligence, got %T", decoded)
	}
	if got.Classification != Secret || got.Data.Status == nil || got.Data.Status.Status != "active" {
		t.Errorf("decoded record lost fields: %+v", got)
	}
}
