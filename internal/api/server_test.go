package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualys/intelengine/internal/blob"
	"github.com/qualys/intelengine/internal/config"
	"github.com/qualys/intelengine/internal/correlation"
	"github.com/qualys/intelengine/internal/eventbus"
	"github.com/qualys/intelengine/internal/kv"
	"github.com/qualys/intelengine/internal/models"
	"github.com/qualys/intelengine/internal/pipeline"
	"github.com/qualys/intelengine/internal/queue"
	"github.com/qualys/intelengine/internal/reports"
	"github.com/qualys/intelengine/internal/scheduler"
	"github.com/qualys/intelengine/internal/store"
)

type testEnv struct {
	srv    *Server
	http   *httptest.Server
	engine *pipeline.Engine
	store  *store.Orchestrator
	bus    *eventbus.Bus
}

func newTestEnv(t *testing.T, ready map[string]func(context.Context) error) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := eventbus.New(eventbus.WithLogger(logger), eventbus.WithBuffer(256))
	t.Cleanup(bus.Close)

	st, err := store.New(kv.NewMemory(), blob.NewMemory(), store.WithPublisher(bus), store.WithLogger(logger))
	require.NoError(t, err)

	engine, err := pipeline.New(pipeline.Config{Workers: 2, PollInterval: 5 * time.Millisecond, JobTimeout: 10 * time.Second}, pipeline.Deps{
		Store:     st,
		Queue:     queue.NewMemory(queue.Options{}),
		Graph:     correlation.New(correlation.WithPublisher(bus), correlation.WithLogger(logger)),
		Publisher: bus,
		Logger:    logger,
	})
	require.NoError(t, err)
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(engine.Stop)

	sched := scheduler.NewScheduler(scheduler.NewMemoryStore(), scheduler.WithLogger(logger))
	(&scheduler.DefaultHandlers{Synthesizer: engine}).Register(sched)

	srv, err := NewServer(config.ServerConfig{CORSAllowOrigin: "https://ui.local"}, Deps{
		Engine:      engine,
		Store:       st,
		Reports:     reports.NewGenerator(st, reports.WithPublisher(bus), reports.WithLogger(logger)),
		Bus:         bus,
		Scheduler:   sched,
		ReadyChecks: ready,
	}, WithLogger(logger))
	require.NoError(t, err)

	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return &testEnv{srv: srv, http: hs, engine: engine, store: st, bus: bus}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *models.Error   `json:"error"`
	Meta    *apiMeta        `json:"meta"`
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) (int, envelope) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.http.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func (e *testEnv) ingest(t *testing.T, req ingestRequest) string {
	t.Helper()
	status, env := e.do(t, http.MethodPost, "/api/v1/ingest", req)
	require.Equal(t, http.StatusAccepted, status, "ingest: %+v", env.Error)
	var out map[string]string
	require.NoError(t, json.Unmarshal(env.Data, &out))
	jobID := out["job_id"]

	require.Eventually(t, func() bool {
		p, err := e.engine.Status(context.Background(), jobID)
		return err == nil && p.Status == queue.StatusCompleted
	}, 5*time.Second, 5*time.Millisecond)
	return jobID
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t, map[string]func(context.Context) error{
		"kv": func(context.Context) error { return errors.New("connection refused") },
	})

	status, body := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, body.Success)

	status, body = env.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	require.NotNil(t, body.Error)
	assert.Equal(t, models.CodeStorageUnavailable, body.Error.Code)

	resp, err := http.Get(env.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "https://ui.local", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestIngest_Validation(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		req  ingestRequest
	}{
		{"missing source", ingestRequest{CollectionMethod: models.CollectionWebScrape, Content: "x"}},
		{"empty content", ingestRequest{SourceURL: "https://a.io", CollectionMethod: models.CollectionWebScrape}},
		{"bad base64", ingestRequest{SourceURL: "https://a.io", CollectionMethod: models.CollectionWebScrape, ContentBase64: "%%%"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := env.do(t, http.MethodPost, "/api/v1/ingest", tt.req)
			assert.Equal(t, http.StatusBadRequest, status)
			require.NotNil(t, body.Error)
			assert.Equal(t, models.CodeValidation, body.Error.Code)
			assert.False(t, body.Error.Retryable)
		})
	}
}

func TestIngestAndQuery(t *testing.T) {
	env := newTestEnv(t, nil)
	jobID := env.ingest(t, ingestRequest{
		SourceURL:        "https://target.com/contact",
		CollectionMethod: models.CollectionWebScrape,
		ContentType:      "text/plain",
		Content:          "Contact: admin@target.com\nserver: nginx/1.18.0",
	})

	status, body := env.do(t, http.MethodGet, "/api/v1/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, status)
	var p queue.Progress
	require.NoError(t, json.Unmarshal(body.Data, &p))
	assert.GreaterOrEqual(t, p.Observations, 1)

	status, body = env.do(t, http.MethodGet, "/api/v1/entities?limit=50", nil)
	require.Equal(t, http.StatusOK, status)
	var entities []*models.Entity
	require.NoError(t, json.Unmarshal(body.Data, &entities))
	require.NotEmpty(t, entities)

	status, body = env.do(t, http.MethodGet, "/api/v1/entities?minQuality=2", nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(body.Data, &entities))
	assert.Empty(t, entities, "a single page is one source")

	ent, err := env.engine.Graph().FindByIdentifier("email", "admin@target.com")
	require.NoError(t, err)

	status, _ = env.do(t, http.MethodGet, "/api/v1/entities/"+ent.ID, nil)
	assert.Equal(t, http.StatusOK, status)

	status, body = env.do(t, http.MethodGet, "/api/v1/entities/"+ent.ID+"/neighbors?depth=2", nil)
	require.Equal(t, http.StatusOK, status)
	var nodes []correlation.RankedNode
	require.NoError(t, json.Unmarshal(body.Data, &nodes))
	assert.NotEmpty(t, nodes, "co-occurring entities are linked")

	status, body = env.do(t, http.MethodGet, "/api/v1/lineage/"+ent.ID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body.Data), `"raw"`)

	status, _ = env.do(t, http.MethodGet, "/api/v1/entities/"+ent.ID+"/neighbors?source=neo4j", nil)
	assert.Equal(t, http.StatusNotImplemented, status)

	status, body = env.do(t, http.MethodGet, "/api/v1/entities?bbox=1,2,3", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, models.CodeValidation, body.Error.Code)

	status, body = env.do(t, http.MethodGet, "/api/v1/entities/missing", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, models.CodeNotFound, body.Error.Code)

	status, _ = env.do(t, http.MethodGet, "/api/v1/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestContradictionResolution(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, st := range []string{"active", "decommissioned"} {
		env.ingest(t, ingestRequest{
			SourceURL:        "https://plant.example/" + st,
			CollectionMethod: models.CollectionWebScrape,
			ContentType:      "text/plain",
			Content:          "system status: " + st,
			Metadata:         map[string]string{"subject": "plant.example"},
		})
	}

	status, body := env.do(t, http.MethodGet, "/api/v1/contradictions", nil)
	require.Equal(t, http.StatusOK, status)
	var open []*models.Relationship
	require.NoError(t, json.Unmarshal(body.Data, &open))
	require.Len(t, open, 1)

	status, _ = env.do(t, http.MethodPost, "/api/v1/contradictions/"+open[0].ID+"/resolve", resolveRequest{Favor: "someone-else"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = env.do(t, http.MethodPost, "/api/v1/contradictions/"+open[0].ID+"/resolve", resolveRequest{Favor: open[0].TargetID})
	require.Equal(t, http.StatusOK, status, "%+v", body.Error)

	status, body = env.do(t, http.MethodGet, "/api/v1/contradictions", nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(body.Data, &open))
	assert.Empty(t, open)

	status, body = env.do(t, http.MethodGet, "/api/v1/contradictions?unresolved=false", nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(body.Data, &open))
	require.Len(t, open, 1)
	assert.Equal(t, models.ResolvedFavoring(open[0].TargetID), open[0].Resolution)
}

func TestReports(t *testing.T) {
	env := newTestEnv(t, nil)
	env.ingest(t, ingestRequest{
		SourceURL:        "https://target.com/contact",
		CollectionMethod: models.CollectionWebScrape,
		ContentType:      "text/plain",
		Content:          "Contact: admin@target.com",
	})

	status, body := env.do(t, http.MethodGet, "/api/v1/indicators", nil)
	require.Equal(t, http.StatusOK, status)
	var indicators []*models.Indicator
	require.NoError(t, json.Unmarshal(body.Data, &indicators))
	require.NotEmpty(t, indicators)

	status, body = env.do(t, http.MethodPost, "/api/v1/reports", createReportRequest{
		IndicatorIDs: []string{indicators[0].ID},
		Template:     reports.Template{Title: "Exposure review"},
	})
	require.Equal(t, http.StatusCreated, status, "%+v", body.Error)
	var report models.IntelReport
	require.NoError(t, json.Unmarshal(body.Data, &report))
	assert.Equal(t, "Exposure review", report.Title)
	assert.NotEmpty(t, report.ContentHash)

	resp, err := http.Get(env.http.URL + "/api/v1/reports/" + report.ID + "/pdf")
	require.NoError(t, err)
	pdf, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", resp.Header.Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(pdf, []byte("%PDF")))

	resp, err = http.Get(env.http.URL + "/api/v1/reports/" + report.ID + "/csv")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))

	status, _ = env.do(t, http.MethodPost, "/api/v1/reports", createReportRequest{IndicatorIDs: []string{"missing"}})
	assert.Equal(t, http.StatusNotFound, status)

	require.NoError(t, env.store.Tombstone(context.Background(), indicators[0].ID))
	status, body = env.do(t, http.MethodPost, "/api/v1/reports", createReportRequest{IndicatorIDs: []string{indicators[0].ID}})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, models.CodeStaleReference, body.Error.Code)
}

func TestDeleteRecord(t *testing.T) {
	env := newTestEnv(t, nil)
	env.ingest(t, ingestRequest{
		SourceURL:        "https://target.com/contact",
		CollectionMethod: models.CollectionWebScrape,
		ContentType:      "text/plain",
		Content:          "Contact: admin@target.com",
	})
	ctx := context.Background()

	inds, err := env.store.Query(ctx, store.Filter{Types: []models.ObjectType{models.ObjectIndicator}})
	require.NoError(t, err)
	require.NotEmpty(t, inds)
	raws, err := env.store.Query(ctx, store.Filter{Types: []models.ObjectType{models.ObjectRaw}})
	require.NoError(t, err)
	require.NotEmpty(t, raws)
	indicatorID := inds[0].RecordID()

	tests := []struct {
		name   string
		id     string
		status int
		code   models.ErrorCode
	}{
		{name: "indicator", id: indicatorID, status: http.StatusOK},
		{name: "already deleted", id: indicatorID, status: http.StatusOK},
		{name: "raw data", id: raws[0].RecordID(), status: http.StatusBadRequest, code: models.CodeValidation},
		{name: "unknown", id: "missing", status: http.StatusNotFound, code: models.CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := env.do(t, http.MethodDelete, "/api/v1/records/"+tt.id, nil)
			require.Equal(t, tt.status, status, "%+v", body.Error)
			if tt.code != "" {
				assert.Equal(t, tt.code, body.Error.Code)
			}
		})
	}

	status, body := env.do(t, http.MethodPost, "/api/v1/synthesize", nil)
	require.Equal(t, http.StatusOK, status, "%+v", body.Error)
	deleted, err := env.store.Deleted(indicatorID)
	require.NoError(t, err)
	assert.True(t, deleted, "synthesis must not revive a deleted indicator")

	status, body = env.do(t, http.MethodPost, "/api/v1/reports", createReportRequest{IndicatorIDs: []string{indicatorID}})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, models.CodeStaleReference, body.Error.Code)
}

func TestSchedules(t *testing.T) {
	env := newTestEnv(t, nil)

	status, body := env.do(t, http.MethodPost, "/api/v1/schedules", createJobRequest{
		Name: "synthesis", Schedule: "@every 1h", JobType: scheduler.JobTypeSynthesize, Enabled: true,
	})
	require.Equal(t, http.StatusCreated, status, "%+v", body.Error)
	var job scheduler.Job
	require.NoError(t, json.Unmarshal(body.Data, &job))

	status, _ = env.do(t, http.MethodPost, "/api/v1/schedules", createJobRequest{Name: "x", Schedule: "@hourly", JobType: "mine-bitcoin"})
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = env.do(t, http.MethodPost, "/api/v1/schedules", createJobRequest{Name: "x", Schedule: "sometimes", JobType: scheduler.JobTypeSynthesize})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.do(t, http.MethodPost, "/api/v1/schedules/"+job.ID+"/run", nil)
	assert.Equal(t, http.StatusAccepted, status)

	require.Eventually(t, func() bool {
		status, body := env.do(t, http.MethodGet, "/api/v1/schedules/"+job.ID+"/executions", nil)
		var execs []*scheduler.JobExecution
		_ = json.Unmarshal(body.Data, &execs)
		return status == http.StatusOK && len(execs) == 1 && execs[0].Status == scheduler.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	status, _ = env.do(t, http.MethodGet, "/api/v1/schedules/nope", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t, nil)

	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/api/v1/events?topics=entity.*"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.Eventually(t, func() bool { return env.bus.Subscribers() > 0 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, env.bus.Publish(eventbus.NewEvent(eventbus.TopicRecordStored, "r1", nil)))
	require.NoError(t, env.bus.Publish(eventbus.NewEvent(eventbus.TopicEntityCreated, "e1", map[string]string{"name": "x"})))

	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	var ev eventbus.Event
	require.NoError(t, ws.ReadJSON(&ev))
	assert.Equal(t, eventbus.TopicEntityCreated, ev.Topic)
	assert.Equal(t, "e1", ev.EntityID)
}
