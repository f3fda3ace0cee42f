package router

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cuongbtq/dubbing-pipeline/internal/api/dto"
	"github.com/cuongbtq/dubbing-pipeline/internal/api/handler"
	"github.com/cuongbtq/dubbing-pipeline/internal/dispatch"
	"github.com/cuongbtq/dubbing-pipeline/internal/domain"
	"github.com/cuongbtq/dubbing-pipeline/internal/events"
	"github.com/cuongbtq/dubbing-pipeline/internal/executor"
	"github.com/cuongbtq/dubbing-pipeline/internal/pipeline"
	"github.com/cuongbtq/dubbing-pipeline/internal/retry"
	"github.com/cuongbtq/dubbing-pipeline/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testAPI struct {
	t      *testing.T
	engine *gin.Engine
	store  storage.Store
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := discardLogger()

	store := storage.NewMemoryStore()
	registry := executor.NewRegistry()
	registry.RegisterAll(executor.NewSimulated(0, logger))
	orch := pipeline.NewOrchestrator(store, registry, logger)

	queue := dispatch.NewMemoryQueue(16)
	pool := dispatch.NewPool(&dispatch.Config{
		Logger:          logger,
		Source:          queue,
		Handler:         orch,
		Locker:          dispatch.NewStoreLocker(store, "api-embedded", time.Minute, logger),
		WorkerID:        "api-embedded",
		Concurrency:     2,
		ShutdownTimeout: 2 * time.Second,
	})
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(func() {
		pool.Stop()
		queue.Close()
	})

	engine := SetupRouter(&handler.Dependencies{
		Logger:       logger,
		Store:        store,
		Orchestrator: orch,
		Publisher:    queue,
		Events:       events.NewPublisher(store, 2*time.Millisecond, time.Hour, logger),
		Retry:        retry.NewController(store, queue, pipeline.PolicyRerun, time.Hour, logger),
	})
	return &testAPI{t: t, engine: engine, store: store}
}

func (a *testAPI) do(method, path string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var reader io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			reader = strings.NewReader(b)
		default:
			raw, err := json.Marshal(b)
			require.NoError(a.t, err)
			reader = bytes.NewReader(raw)
		}
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	a.engine.ServeHTTP(w, req)
	return w
}

func (a *testAPI) waitFor(jobID string, status domain.Status) *domain.Job {
	a.t.Helper()
	var job *domain.Job
	require.Eventually(a.t, func() bool {
		var err error
		job, err = a.store.Get(context.Background(), jobID)
		return err == nil && job.Status == status
	}, 5*time.Second, 5*time.Millisecond, "job never reached %s", status)
	return job
}

func (a *testAPI) submit() string {
	a.t.Helper()
	w := a.do(http.MethodPost, "/jobs", dto.CreateJobRequest{SourceAudio: "uploads/show.mp3", TargetLanguage: "es"})
	require.Equal(a.t, http.StatusAccepted, w.Code, w.Body.String())
	var resp dto.AcceptedResponse
	require.NoError(a.t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.JobID
}

type sseEvent struct {
	name string
	data string
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var out []sseEvent
	var current sseEvent
	scanner := bufio.NewScanner(strings.NewReader(body))
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			current.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			current.data += strings.TrimPrefix(line, "data:")
		case line == "":
			if current.name != "" {
				out = append(out, current)
			}
			current = sseEvent{}
		}
	}
	return out
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t)
	w := api.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestCreateJob_Validation(t *testing.T) {
	api := newTestAPI(t)

	tests := []struct {
		name     string
		body     any
		wantCode int
	}{
		{name: "malformed json", body: "{", wantCode: http.StatusBadRequest},
		{name: "missing target", body: map[string]string{"source_audio": "a.mp3"}, wantCode: http.StatusBadRequest},
		{name: "unknown target", body: dto.CreateJobRequest{SourceAudio: "a.mp3", TargetLanguage: "xx-notreal"}, wantCode: http.StatusUnprocessableEntity},
		{name: "unknown source", body: dto.CreateJobRequest{SourceAudio: "a.mp3", SourceLanguage: "zz", TargetLanguage: "es"}, wantCode: http.StatusUnprocessableEntity},
		{name: "auto source", body: dto.CreateJobRequest{SourceAudio: "a.mp3", SourceLanguage: "auto", TargetLanguage: "fr"}, wantCode: http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := api.do(http.MethodPost, "/jobs", tt.body)
			assert.Equal(t, tt.wantCode, w.Code, w.Body.String())
		})
	}
}

func TestJobLifecycle_EndToEnd(t *testing.T) {
	api := newTestAPI(t)
	jobID := api.submit()

	// The stream closes by itself once the job pauses for review.
	w := api.do(http.MethodGet, "/jobs/"+jobID+"/events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	evts := parseSSE(t, w.Body.String())
	require.NotEmpty(t, evts)
	var last events.StatusPayload
	require.NoError(t, json.Unmarshal([]byte(evts[len(evts)-1].data), &last))
	assert.Equal(t, domain.StatusAwaitingReview, last.Status)
	assert.Equal(t, 3, last.CurrentStage)

	w = api.do(http.MethodGet, "/jobs/"+jobID+"/edit", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var edit dto.EditResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &edit))
	require.Len(t, edit.Segments, 2)
	assert.Equal(t, "[es] Welcome back to the show.", edit.Segments[0].TranslatedText)

	w = api.do(http.MethodPost, "/jobs/"+jobID+"/edit", dto.EditRequest{Segments: []dto.SegmentDTO{}})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	unchanged := api.waitFor(jobID, domain.StatusAwaitingReview)
	assert.False(t, unchanged.Reviewed)

	edit.Segments[0].TranslatedText = "Bienvenidos de nuevo al programa."
	w = api.do(http.MethodPost, "/jobs/"+jobID+"/edit", dto.EditRequest{Segments: edit.Segments})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	done := api.waitFor(jobID, domain.StatusCompleted)
	assert.Equal(t, 6, done.CurrentStage)
	assert.Equal(t, "Bienvenidos de nuevo al programa.", done.Segments[0].Text)

	w = api.do(http.MethodGet, "/jobs/"+jobID+"/events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	evts = parseSSE(t, w.Body.String())
	require.Len(t, evts, 1)
	assert.Equal(t, "status", evts[0].name)
	assert.Contains(t, evts[0].data, `"status":"completed"`)

	w = api.do(http.MethodGet, "/jobs/"+jobID+"/download", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var download dto.DownloadResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &download))
	assert.Equal(t, jobID+"/show.es.mp3", download.FinalAudio)

	w = api.do(http.MethodGet, "/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var detail dto.JobDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &detail))
	assert.Equal(t, "6/6", detail.Progress)
	assert.Equal(t, "Spanish", detail.TargetLanguageName)
	assert.False(t, detail.RetryAvailable)
}

func TestEditSubmission_MissingTimes(t *testing.T) {
	api := newTestAPI(t)
	jobID := api.submit()
	api.waitFor(jobID, domain.StatusAwaitingReview)

	w := api.do(http.MethodPost, "/jobs/"+jobID+"/edit", `{"segments":[{"speaker":"A","end_time":2,"translated_text":"Hola"}]}`)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var resp dto.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Problems, 1)
	assert.Equal(t, "start_time", resp.Problems[0].Field)
}

func TestErrorMapping(t *testing.T) {
	api := newTestAPI(t)
	jobID := api.submit()
	api.waitFor(jobID, domain.StatusAwaitingReview)
	missing := uuid.NewString()

	tests := []struct {
		name     string
		method   string
		path     string
		body     any
		wantCode int
	}{
		{name: "invalid id", method: http.MethodGet, path: "/jobs/not-a-uuid", wantCode: http.StatusBadRequest},
		{name: "unknown job", method: http.MethodGet, path: "/jobs/" + missing, wantCode: http.StatusNotFound},
		{name: "unknown stream", method: http.MethodGet, path: "/jobs/" + missing + "/events", wantCode: http.StatusNotFound},
		{name: "retry while awaiting review", method: http.MethodPost, path: "/jobs/" + jobID + "/retry", wantCode: http.StatusConflict},
		{name: "download before completion", method: http.MethodGet, path: "/jobs/" + jobID + "/download", wantCode: http.StatusConflict},
		{name: "retranslate before completion", method: http.MethodPost, path: "/jobs/" + jobID + "/retranslate", body: dto.RetranslateRequest{TargetLanguage: "fr"}, wantCode: http.StatusConflict},
		{name: "retranslate bad language", method: http.MethodPost, path: "/jobs/" + jobID + "/retranslate", body: dto.RetranslateRequest{TargetLanguage: "??"}, wantCode: http.StatusUnprocessableEntity},
		{name: "edit unknown job", method: http.MethodPost, path: "/jobs/" + missing + "/edit", body: `{"segments":[{"speaker":"A","start_time":0,"end_time":1,"translated_text":"Hola"}]}`, wantCode: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := api.do(tt.method, tt.path, tt.body)
			assert.Equal(t, tt.wantCode, w.Code, w.Body.String())
		})
	}
}

func TestRetryFailedJob(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()
	jobID := uuid.NewString()
	require.NoError(t, api.store.Create(ctx, domain.NewJob(jobID, "uploads/show.mp3", "auto", "es", time.Now())))
	_, err := api.store.Update(ctx, jobID, func(job *domain.Job) error {
		job.Status = domain.StatusFailed
		job.ErrorMessage = "Audio Cleanup failed: vendor timeout"
		job.AppendLog(time.Now(), domain.StageCleanup.FailedMessage("vendor timeout"))
		return nil
	})
	require.NoError(t, err)

	w := api.do(http.MethodGet, "/jobs/"+jobID, nil)
	var detail dto.JobDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &detail))
	assert.True(t, detail.RetryAvailable)
	assert.False(t, detail.Stale)

	w = api.do(http.MethodPost, "/jobs/"+jobID+"/retry", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var resp dto.AcceptedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.AttemptCount)

	job := api.waitFor(jobID, domain.StatusAwaitingReview)
	assert.Equal(t, 1, job.AttemptCount)
	assert.Empty(t, job.ErrorMessage)
}

func TestRetranslate(t *testing.T) {
	api := newTestAPI(t)
	jobID := api.submit()
	api.waitFor(jobID, domain.StatusAwaitingReview)

	w := api.do(http.MethodGet, "/jobs/"+jobID+"/edit", nil)
	var edit dto.EditResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &edit))
	w = api.do(http.MethodPost, "/jobs/"+jobID+"/edit", dto.EditRequest{Segments: edit.Segments})
	require.Equal(t, http.StatusAccepted, w.Code)
	api.waitFor(jobID, domain.StatusCompleted)

	w = api.do(http.MethodPost, "/jobs/"+jobID+"/retranslate", dto.RetranslateRequest{TargetLanguage: "fr"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var resp dto.AcceptedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, jobID, resp.ParentJobID)

	child := api.waitFor(resp.JobID, domain.StatusAwaitingReview)
	assert.Equal(t, "fr", child.TargetLanguage)
	assert.Equal(t, "[fr] Welcome back to the show.", child.Segments[0].Text)
	assert.Equal(t, domain.StageTranslation, domain.LastCompletedStage(child.StageLog))
}

func TestListJobs_Pagination(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		job := domain.NewJob(uuid.NewString(), "a.mp3", "auto", "es", base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, api.store.Create(ctx, job))
	}

	w := api.do(http.MethodGet, "/jobs?page_size=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page dto.ListJobsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Jobs, 2)
	require.NotEmpty(t, page.NextCursor)

	w = api.do(http.MethodGet, "/jobs?page_size=2&cursor="+page.NextCursor, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var next dto.ListJobsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &next))
	require.Len(t, next.Jobs, 1)
	assert.Empty(t, next.NextCursor)

	w = api.do(http.MethodGet, "/jobs?status=queued", nil)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, http.StatusBadRequest, api.do(http.MethodGet, "/jobs?status=running", nil).Code)
	assert.Equal(t, http.StatusBadRequest, api.do(http.MethodGet, "/jobs?cursor=Zm9v", nil).Code)
}

func TestCORSMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    string
	}{
		{name: "allow all by default", origin: "https://a.example", want: "*"},
		{name: "listed origin echoed", allowed: []string{"https://a.example"}, origin: "https://a.example", want: "https://a.example"},
		{name: "unlisted origin", allowed: []string{"https://a.example"}, origin: "https://b.example", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.Use(CORSMiddleware(tt.allowed))
			r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}
