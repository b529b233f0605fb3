package models

import (
	"encoding/json"
	"fmt"
)

type envelope struct {
	Type ObjectType      `json:"type"`
	Data json.RawMessage `json:"data"`
}

// New returns an empty record of the given type, ready to be decoded into.
func New(t ObjectType) (Record, error) {
	switch t {
	case ObjectRaw:
		return &RawData{}, nil
	case ObjectObservation:
		return &Observation{}, nil
	case ObjectPattern:
		return &Pattern{}, nil
	case ObjectEvidence:
		return &Evidence{}, nil
	case ObjectIntelligence:
		return &Intelligence{}, nil
	case ObjectEntity:
		return &Entity{}, nil
	case ObjectRelationship:
		return &Relationship{}, nil
	case ObjectIndicator:
		return &Indicator{}, nil
	case ObjectFinding:
		return &Finding{}, nil
	case ObjectReport:
		return &IntelReport{}, nil
	}
	return nil, fmt.Errorf("unknown object type %q", t)
}

// Encode serialises a record together with its type tag.
func Encode(r Record) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encoding %s %s: %w", r.Kind(), r.RecordID(), err)
	}
	return json.Marshal(envelope{Type: r.Kind(), Data: data})
}

func Decode(b []byte) (Record, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	r, err := New(env.Type)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(env.Data, r); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", env.Type, err)
	}
	return r, nil
}

// Clone returns a deep copy of the record via its encoded form.
func Clone(r Record) (Record, error) {
	b, err := Encode(r)
	if err != nil {
		return nil, err
	}
	return Decode(b)
}
