package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/qualys/intelengine/internal/correlation"
	"github.com/qualys/intelengine/internal/models"
	"github.com/qualys/intelengine/internal/store"
	"github.com/qualys/intelengine/internal/synthesis"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
	maxBatch     = 500
)

// ingestRequest is a collector submission. Text content goes in Content;
// binary payloads use ContentBase64.
type ingestRequest struct {
	SourceURL        string                  `json:"source_url"`
	CollectionMethod models.CollectionMethod `json:"collection_method"`
	Content          string                  `json:"content,omitempty"`
	ContentBase64    string                  `json:"content_base64,omitempty"`
	ContentType      string                  `json:"content_type"`
	HTTPStatus       *int                    `json:"http_status,omitempty"`
	Metadata         map[string]string       `json:"metadata,omitempty"`
	Location         *models.Location        `json:"location,omitempty"`
	Timestamp        *time.Time              `json:"timestamp,omitempty"`
}

func (req *ingestRequest) toRaw() (*models.RawData, error) {
	raw := &models.RawData{
		SourceURL:        req.SourceURL,
		CollectionMethod: req.CollectionMethod,
		ContentType:      req.ContentType,
		HTTPStatus:       req.HTTPStatus,
		Metadata:         req.Metadata,
		Location:         req.Location,
	}
	switch {
	case req.ContentBase64 != "":
		b, err := base64.StdEncoding.DecodeString(req.ContentBase64)
		if err != nil {
			return nil, models.NewValidationError("content_base64: %v", err)
		}
		raw.Content = b
	default:
		raw.Content = []byte(req.Content)
	}
	if req.Timestamp != nil {
		raw.Timestamp = req.Timestamp.UTC()
	}
	return raw, nil
}

func decodeJSON(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return models.NewValidationError("invalid JSON body: %v", err)
	}
	return nil
}

func (s *Server) ingest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decodeJSON(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	raw, err := req.toRaw()
	if err != nil {
		respondErr(w, err)
		return
	}

	jobID, err := s.engine.Ingest(r.Context(), raw)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "raw_id": raw.ID})
}

func (s *Server) ingestBatch(w http.ResponseWriter, r *http.Request) {
	var reqs []ingestRequest
	if err := decodeJSON(r, &reqs); err != nil {
		respondErr(w, err)
		return
	}
	if len(reqs) == 0 || len(reqs) > maxBatch {
		respondError(w, http.StatusBadRequest, models.CodeValidation, fmt.Sprintf("batch must hold 1 to %d records", maxBatch))
		return
	}

	raws := make([]*models.RawData, len(reqs))
	for i := range reqs {
		raw, err := reqs[i].toRaw()
		if err != nil {
			respondErr(w, fmt.Errorf("record %d: %w", i, err))
			return
		}
		raws[i] = raw
	}

	ids, err := s.engine.IngestBatch(r.Context(), raws)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string][]string{"job_ids": ids})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.Status(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	cancelled, err := s.engine.Cancel(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	if !cancelled {
		respondError(w, http.StatusConflict, models.CodeConflict, "job "+id+" already finished")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// parseBBox reads "minLon,minLat,maxLon,maxLat".
func parseBBox(v string) (*models.BoundingBox, error) {
	parts := strings.Split(v, ",")
	if len(parts) != 4 {
		return nil, models.NewValidationError("bbox must be minLon,minLat,maxLon,maxLat")
	}
	var n [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, models.NewValidationError("bbox: %q is not a number", p)
		}
		n[i] = f
	}
	box := &models.BoundingBox{MinLon: n[0], MinLat: n[1], MaxLon: n[2], MaxLat: n[3]}
	if box.MinLat > box.MaxLat || box.MinLat < -90 || box.MaxLat > 90 ||
		box.MinLon < -180 || box.MinLon > 180 || box.MaxLon < -180 || box.MaxLon > 180 {
		return nil, models.NewValidationError("bbox out of range")
	}
	return box, nil
}

func parseTime(name, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, models.NewValidationError("%s must be RFC3339", name)
	}
	return t, nil
}

func intParam(r *http.Request, name string, def, min, max int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < min || n > max {
		return 0, models.NewValidationError("%s must be an integer in [%d, %d]", name, min, max)
	}
	return n, nil
}

// filterFrom builds a store query from the shared list parameters.
func filterFrom(r *http.Request, kinds ...models.ObjectType) (store.Filter, int, error) {
	q := r.URL.Query()
	f := store.Filter{Types: kinds}

	if v := q.Get("bbox"); v != "" {
		box, err := parseBBox(v)
		if err != nil {
			return f, 0, err
		}
		f.BBox = box
	}
	var err error
	if f.Since, err = parseTime("since", q.Get("since")); err != nil {
		return f, 0, err
	}
	if f.Until, err = parseTime("until", q.Get("until")); err != nil {
		return f, 0, err
	}
	if f.MinConfidence, err = intParam(r, "minConfidence", 0, 0, 100); err != nil {
		return f, 0, err
	}
	limit, err := intParam(r, "limit", defaultLimit, 1, maxLimit)
	if err != nil {
		return f, 0, err
	}
	return f, limit, nil
}

// listEntities answers the viewport query. minQuality is the minimum number
// of independent sources behind an entity.
func (s *Server) listEntities(w http.ResponseWriter, r *http.Request) {
	f, limit, err := filterFrom(r, models.ObjectEntity)
	if err != nil {
		respondErr(w, err)
		return
	}
	minQuality, err := intParam(r, "minQuality", 0, 0, 1000)
	if err != nil {
		respondErr(w, err)
		return
	}
	entityType := models.EntityType(r.URL.Query().Get("type"))
	if minQuality == 0 && entityType == "" {
		f.MaxItems = limit
	}

	recs, err := s.store.Query(r.Context(), f)
	if err != nil {
		respondErr(w, err)
		return
	}
	out := make([]*models.Entity, 0, len(recs))
	for _, rec := range recs {
		e, ok := rec.(*models.Entity)
		if !ok || len(e.Sources) < minQuality || (entityType != "" && e.Type != entityType) {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	respondJSONWithMeta(w, http.StatusOK, out, &apiMeta{Total: len(out), Limit: limit})
}

func (s *Server) getEntity(w http.ResponseWriter, r *http.Request) {
	e, err := s.graph.Entity(chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, e)
}

// deleteEntity tombstones the entity and its incident relationships in the
// graph and in the store.
func (s *Server) deleteEntity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.graph.Tombstone(id); err != nil {
		respondErr(w, err)
		return
	}
	if err := s.store.Tombstone(r.Context(), id); err != nil && !errors.Is(err, models.ErrNotFound) {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// deleteRecord tombstones any deletable stored record. Entities and
// relationships are tombstoned in the graph as well.
func (s *Server) deleteRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.store.Get(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	switch rec.Kind() {
	case models.ObjectEntity, models.ObjectRelationship:
		if err := s.graph.Tombstone(id); err != nil && !errors.Is(err, models.ErrNotFound) {
			respondErr(w, err)
			return
		}
	}
	if err := s.store.Tombstone(r.Context(), id); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "deleted", "kind": rec.Kind()})
}

func (s *Server) getRelationships(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.graph.Entity(id); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.graph.Relationships(id))
}

// getNeighbors ranks entities around id. source=neo4j asks the graph mirror
// instead of the in-process graph.
func (s *Server) getNeighbors(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	depth, err := intParam(r, "depth", 2, 1, 5)
	if err != nil {
		respondErr(w, err)
		return
	}

	if r.URL.Query().Get("source") == "neo4j" {
		if s.mirror == nil {
			respondError(w, http.StatusNotImplemented, models.CodeInternal, "graph mirror not configured")
			return
		}
		ns, err := s.mirror.Neighbors(r.Context(), id, depth)
		if err != nil {
			respondError(w, http.StatusBadGateway, models.CodeStorageUnavailable, err.Error())
			return
		}
		respondJSON(w, http.StatusOK, ns)
		return
	}

	maxNodes, err := intParam(r, "limit", defaultLimit, 1, maxLimit)
	if err != nil {
		respondErr(w, err)
		return
	}
	minConfidence, err := intParam(r, "minConfidence", 0, 0, 100)
	if err != nil {
		respondErr(w, err)
		return
	}
	opts := correlation.TraverseOptions{MaxDepth: depth, MaxNodes: maxNodes, MinConfidence: minConfidence}
	if v := r.URL.Query().Get("types"); v != "" {
		for _, t := range strings.Split(v, ",") {
			opts.Types = append(opts.Types, models.RelationType(strings.TrimSpace(t)))
		}
	}

	nodes, err := s.graph.Traverse(id, opts)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, nodes)
}

func (s *Server) getRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"kind": rec.Kind(), "record": rec})
}

func (s *Server) getLineage(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.store.GetLineage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, nodes)
}

func (s *Server) listKind(w http.ResponseWriter, r *http.Request, kind models.ObjectType) {
	f, limit, err := filterFrom(r, kind)
	if err != nil {
		respondErr(w, err)
		return
	}
	f.MaxItems = limit
	recs, err := s.store.Query(r.Context(), f)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSONWithMeta(w, http.StatusOK, recs, &apiMeta{Total: len(recs), Limit: limit})
}

func (s *Server) listFindings(w http.ResponseWriter, r *http.Request) {
	s.listKind(w, r, models.ObjectFinding)
}

func (s *Server) listIndicators(w http.ResponseWriter, r *http.Request) {
	s.listKind(w, r, models.ObjectIndicator)
}

type synthesizeRequest struct {
	EntityIDs     []string            `json:"entity_ids,omitempty"`
	Since         *time.Time          `json:"since,omitempty"`
	Until         *time.Time          `json:"until,omitempty"`
	BBox          *models.BoundingBox `json:"bbox,omitempty"`
	MinConfidence int                 `json:"min_confidence,omitempty"`
}

func (s *Server) synthesize(w http.ResponseWriter, r *http.Request) {
	var req synthesizeRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			respondErr(w, err)
			return
		}
	}
	scope := synthesis.Scope{EntityIDs: req.EntityIDs, BBox: req.BBox, MinConfidence: req.MinConfidence}
	if req.Since != nil {
		scope.Since = *req.Since
	}
	if req.Until != nil {
		scope.Until = *req.Until
	}

	res, err := s.engine.Synthesize(r.Context(), scope)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) listContradictions(w http.ResponseWriter, r *http.Request) {
	unresolved := r.URL.Query().Get("unresolved") != "false"
	respondJSON(w, http.StatusOK, s.graph.Contradictions(unresolved))
}

type resolveRequest struct {
	// Resolution is "both-retained", "resolved-favoring-<id>", or empty
	// with Favor set.
	Resolution models.ResolutionStatus `json:"resolution"`
	Favor      string                  `json:"favor,omitempty"`
}

func (s *Server) resolveContradiction(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeJSON(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	status := req.Resolution
	if status == "" && req.Favor != "" {
		status = models.ResolvedFavoring(req.Favor)
	}

	rel, err := s.graph.Resolve(chi.URLParam(r, "id"), status)
	if err != nil {
		respondErr(w, err)
		return
	}
	if err := s.store.Store(r.Context(), rel); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rel)
}
