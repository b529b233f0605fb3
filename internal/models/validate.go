package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate checks a record before it is accepted by the graph or the store.
// Every record except RawData must name at least one upstream id, and no
// record may name itself.
func Validate(r Record) error {
	if r == nil {
		return NewValidationError("record is nil")
	}
	if err := validate.Struct(r); err != nil {
		return fromValidator(r.Kind(), err)
	}
	if r.Kind() != ObjectRaw && len(r.Lineage()) == 0 {
		return NewValidationError("%s %s has an empty derived_from lineage", r.Kind(), r.RecordID())
	}
	for _, id := range r.Lineage() {
		if id == r.RecordID() {
			return NewValidationError("%s %s is derived from itself", r.Kind(), id)
		}
	}

	switch v := r.(type) {
	case *Intelligence:
		if err := v.Data.Validate(); err != nil {
			return err
		}
		if !v.Classification.Valid() {
			return NewValidationError("intelligence %s has invalid classification %d", v.ID, int(v.Classification))
		}
	case *Relationship:
		if v.SourceID == v.TargetID {
			return NewValidationError("relationship %s is a self loop on %s", v.ID, v.SourceID)
		}
		if v.Type == RelationContradicts && !v.Resolution.Valid() {
			return NewValidationError("contradicts relationship %s has invalid resolution %q", v.ID, v.Resolution)
		}
	case *IntelReport:
		if !v.Classification.Valid() {
			return NewValidationError("report %s has invalid classification %d", v.ID, int(v.Classification))
		}
	}
	return nil
}

func fromValidator(kind ObjectType, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return NewValidationError("%s: %v", kind, err)
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s (got %v)", fe.Field(), fe.Tag(), fe.Param(), fe.Value()))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return NewValidationError("%s: %s", kind, strings.Join(parts, "; "))
}
