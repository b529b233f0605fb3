package store

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/qualys/intelengine/internal/models"
)

// RecordKey is the primary key of a record: {type}:{id}.
func RecordKey(kind models.ObjectType, id string) string {
	return string(kind) + ":" + id
}

// IdentifierKey is the secondary index key {type}:by-identifier:{kind}={value}.
func IdentifierKey(kind models.ObjectType, idKind, value string) string {
	return fmt.Sprintf("%s:by-identifier:%s=%s", kind, strings.ToLower(idKind), strings.ToLower(value))
}

// TimeKey is the secondary index key {type}:by-time:{bucket}:{id}. Buckets
// are zero-padded unix seconds so lexical order is time order.
func TimeKey(kind models.ObjectType, bucket time.Time, id string) string {
	return fmt.Sprintf("%s:by-time:%012d:%s", kind, bucket.Unix(), id)
}

// EndpointKey is the secondary index key
// relationship:by-endpoint:{endpoint}:{id}, one per relationship end.
func EndpointKey(endpoint, id string) string {
	return EndpointPrefix(endpoint) + id
}

// EndpointPrefix selects every relationship touching endpoint.
func EndpointPrefix(endpoint string) string {
	return fmt.Sprintf("%s:by-endpoint:%s:", models.ObjectRelationship, endpoint)
}

// isRecordKey reports whether key under a type prefix is a primary key
// rather than a secondary index key.
func isRecordKey(kind models.ObjectType, key string) bool {
	rest, ok := strings.CutPrefix(key, string(kind)+":")
	return ok && !strings.HasPrefix(rest, "by-")
}

// secondaryKeys lists the index keys a record version owns.
func secondaryKeys(r models.Record, bucket time.Duration) []string {
	ts := r.RecordTime().UTC()
	keys := []string{TimeKey(r.Kind(), ts.Truncate(bucket), r.RecordID())}

	switch v := r.(type) {
	case *models.Entity:
		if v.Deleted() {
			break
		}
		for k, val := range v.Identifiers {
			keys = append(keys, IdentifierKey(models.ObjectEntity, k, val))
		}
	case *models.Relationship:
		keys = append(keys, EndpointKey(v.SourceID, v.ID), EndpointKey(v.TargetID, v.ID))
	case *models.Observation:
		keys = append(keys, IdentifierKey(models.ObjectObservation, string(v.Type), v.Value)+":"+v.ID)
	case *models.Intelligence:
		kind, subject := v.Data.Subject()
		keys = append(keys, IdentifierKey(models.ObjectIntelligence, kind, subject)+":"+v.ID)
	}
	sort.Strings(keys)
	return keys
}

// diffKeys returns the keys in old that are absent from current.
func diffKeys(old, current []string) []string {
	keep := make(map[string]bool, len(current))
	for _, k := range current {
		keep[k] = true
	}
	var out []string
	for _, k := range old {
		if !keep[k] {
			out = append(out, k)
		}
	}
	return out
}
