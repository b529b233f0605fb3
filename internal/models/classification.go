package models

import (
	"fmt"
	"strings"
)

// Classification levels are ordered; a higher value is more restricted.
type Classification int

const (
	Unclassified Classification = iota
	Confidential
	Secret
	TopSecret
)

var classificationNames = map[Classification]string{
	Unclassified: "UNCLASSIFIED",
	Confidential: "CONFIDENTIAL",
	Secret:       "SECRET",
	TopSecret:    "TOP_SECRET",
}

func (c Classification) String() string {
	if name, ok := classificationNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CLASSIFICATION(%d)", int(c))
}

func (c Classification) Valid() bool {
	return c >= Unclassified && c <= TopSecret
}

func ParseClassification(s string) (Classification, error) {
	normalized := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), " ", "_"))
	if normalized == "" {
		return Unclassified, nil
	}
	for level, name := range classificationNames {
		if name == normalized {
			return level, nil
		}
	}
	return Unclassified, fmt.Errorf("unknown classification %q", s)
}

func (c Classification) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("invalid classification %d", int(c))
	}
	return []byte(c.String()), nil
}

func (c *Classification) UnmarshalText(text []byte) error {
	level, err := ParseClassification(string(text))
	if err != nil {
		return err
	}
	*c = level
	return nil
}

// MaxClassification returns the most restrictive level of the given levels,
// or Unclassified when none are given.
func MaxClassification(levels ...Classification) Classification {
	max := Unclassified
	for _, l := range levels {
		if l > max {
			max = l
		}
	}
	return max
}
