package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualys/intelengine/internal/models"
)

// fakeAPI records requests and answers with canned envelopes per path.
type fakeAPI struct {
	mu        sync.Mutex
	requests  []*http.Request
	bodies    []map[string]interface{}
	responses map[string]string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r)
	var body map[string]interface{}
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.bodies = append(f.bodies, body)

	resp, ok := f.responses[r.Method+" "+r.URL.Path]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		resp = `{"success":false,"error":{"code":"not_found","message":"no such thing"}}`
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(resp))
}

func run(t *testing.T, api *fakeAPI, args ...string) (string, error) {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(bytes.NewBufferString("Contact: admin@target.com"))
	cmd.SetArgs(append([]string{"--server", srv.URL}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestIngest_Wait(t *testing.T) {
	api := &fakeAPI{responses: map[string]string{
		"POST /api/v1/ingest": `{"success":true,"data":{"job_id":"j1","raw_id":"r1"}}`,
		"GET /api/v1/jobs/j1": `{"success":true,"data":{"job_id":"j1","status":"completed","observations":1}}`,
	}}
	out, err := run(t, api, "ingest", "-", "--source", "https://target.com", "--meta", "subject=target.com", "--wait")
	require.NoError(t, err)
	assert.Contains(t, out, `"completed"`)

	require.NotEmpty(t, api.bodies)
	body := api.bodies[0]
	assert.Equal(t, "https://target.com", body["source_url"])
	assert.Equal(t, "web-scrape", body["collection_method"])
	content, err := base64.StdEncoding.DecodeString(body["content_base64"].(string))
	require.NoError(t, err)
	assert.Equal(t, "Contact: admin@target.com", string(content))
	assert.Equal(t, map[string]interface{}{"subject": "target.com"}, body["metadata"])
}

func TestIngest_BadMetadata(t *testing.T) {
	_, err := run(t, &fakeAPI{}, "ingest", "-", "--source", "https://x.io", "--meta", "novalue")
	assert.ErrorContains(t, err, "key=value")
}

func TestEntities_QueryParams(t *testing.T) {
	api := &fakeAPI{responses: map[string]string{
		"GET /api/v1/entities": `{"success":true,"data":[{"id":"e1"}]}`,
	}}
	out, err := run(t, api, "entities", "--bbox", "1,2,3,4", "--min-quality", "2")
	require.NoError(t, err)
	assert.Contains(t, out, `"e1"`)

	q := api.requests[0].URL.Query()
	assert.Equal(t, "1,2,3,4", q.Get("bbox"))
	assert.Equal(t, "2", q.Get("minQuality"))
}

func TestAPIErrorSurfaces(t *testing.T) {
	_, err := run(t, &fakeAPI{}, "entities", "get", "missing")
	require.Error(t, err)
	var apiErr *models.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, models.CodeNotFound, apiErr.Code)
}

func TestResolve_Favor(t *testing.T) {
	api := &fakeAPI{responses: map[string]string{
		"POST /api/v1/contradictions/rel-1/resolve": `{"success":true,"data":{"id":"rel-1"}}`,
	}}
	_, err := run(t, api, "contradictions", "resolve", "rel-1", "--favor", "intel-a")
	require.NoError(t, err)
	assert.Equal(t, "intel-a", api.bodies[0]["favor"])
}

func TestReportExport_RejectsFormat(t *testing.T) {
	_, err := run(t, &fakeAPI{}, "report", "export", "r1", "--format", "docx")
	assert.ErrorContains(t, err, "unknown format")
}

func TestDelete(t *testing.T) {
	api := &fakeAPI{responses: map[string]string{
		"DELETE /api/v1/records/ind-1": `{"success":true,"data":{"status":"deleted","kind":"indicator"}}`,
	}}
	out, err := run(t, api, "delete", "ind-1")
	require.NoError(t, err)
	assert.Contains(t, out, `"kind": "indicator"`)
	assert.Equal(t, http.MethodDelete, api.requests[0].Method)
}
