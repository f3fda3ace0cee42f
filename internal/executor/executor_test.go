package executor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuongbtq/dubbing-pipeline/internal/config"
	"github.com/cuongbtq/dubbing-pipeline/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSimulated_Stages(t *testing.T) {
	sim := NewSimulated(0, discardLogger())
	ctx := context.Background()

	transcribed, err := sim.Execute(ctx, &Request{JobID: "job-1", Stage: domain.StageTranscription, SourceAudio: "uploads/show.mp3", SourceLanguage: "auto"})
	require.NoError(t, err)
	require.Len(t, transcribed.Segments, 2)
	assert.Equal(t, []domain.DetectedLanguage{{Name: "English", Percentage: 100}}, transcribed.DetectedLanguages)

	translated, err := sim.Execute(ctx, &Request{JobID: "job-1", Stage: domain.StageTranslation, TargetLanguage: "es", Segments: transcribed.Segments})
	require.NoError(t, err)
	require.Len(t, translated.Segments, 2)
	assert.Equal(t, "[es] Welcome back to the show.", translated.Segments[0].Text)
	assert.Equal(t, "Welcome back to the show.", translated.Segments[0].SourceText)

	mixed, err := sim.Execute(ctx, &Request{JobID: "job-1", Stage: domain.StageMixMaster, SourceAudio: "uploads/show.mp3", TargetLanguage: "es"})
	require.NoError(t, err)
	assert.Equal(t, "job-1/show.es.mp3", mixed.Artifacts["final_audio"])
}

func TestSimulated_FailAndCancel(t *testing.T) {
	sim := NewSimulated(0, discardLogger())
	_, err := sim.Execute(context.Background(), &Request{Stage: domain.StageCleanup, Params: map[string]string{ParamFail: "vendor timeout"}})
	require.Error(t, err)
	assert.Equal(t, "vendor timeout", err.Error())

	slow := NewSimulated(time.Hour, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = slow.Execute(ctx, &Request{Stage: domain.StageCleanup})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRemote_Execute(t *testing.T) {
	tests := []struct {
		name      string
		handler   http.HandlerFunc
		wantErr   string
		wantNotes []string
	}{
		{
			name: "success",
			handler: func(w http.ResponseWriter, r *http.Request) {
				var req Request
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
				_ = json.NewEncoder(w).Encode(Result{Notes: []string{"ok " + req.StageKey}})
			},
			wantNotes: []string{"ok cleanup"},
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "quota exceeded", http.StatusTooManyRequests)
			},
			wantErr: "Audio Cleanup service: status 429: quota exceeded",
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("{not json"))
			},
			wantErr: "malformed response",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			registry := NewRegistry()
			registry.Register(domain.StageCleanup, NewRemote(srv.Client(), srv.URL, discardLogger()), nil, time.Second)

			result, err := registry.Run(context.Background(), &Request{JobID: "job-1", Stage: domain.StageCleanup})
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantNotes, result.Notes)
		})
	}
}

func TestRegistry_Run(t *testing.T) {
	registry := NewRegistry()
	_, err := registry.Run(context.Background(), &Request{Stage: domain.StageCleanup})
	require.Error(t, err)
	assert.Error(t, registry.Validate())

	var gotParams map[string]string
	registry.Register(domain.StageCleanup, Func(func(ctx context.Context, req *Request) (*Result, error) {
		gotParams = req.Params
		<-ctx.Done()
		return nil, ctx.Err()
	}), map[string]string{"target_lufs": "-16"}, 10*time.Millisecond)

	_, err = registry.Run(context.Background(), &Request{Stage: domain.StageCleanup})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, "-16", gotParams["target_lufs"])

	registry.Register(domain.StageTranscription, Func(func(ctx context.Context, req *Request) (*Result, error) {
		return nil, nil
	}), nil, 0)
	result, err := registry.Run(context.Background(), &Request{Stage: domain.StageTranscription})
	require.NoError(t, err)
	assert.NotNil(t, result)
}

func TestNewRegistryFromConfig(t *testing.T) {
	registry, err := NewRegistryFromConfig(&config.PipelineConfig{Executor: config.ExecutorSimulate}, discardLogger())
	require.NoError(t, err)
	require.NoError(t, registry.Validate())

	registry, err = NewRegistryFromConfig(&config.PipelineConfig{
		Executor: config.ExecutorRemote,
		BaseURL:  "http://stages:7000/",
		Stages: map[string]config.StageConfig{
			"translation": {Endpoint: "http://translate:7100/run", Timeout: time.Minute},
		},
	}, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, "http://stages:7000/stages/cleanup", registry.bindings[domain.StageCleanup].executor.(*Remote).endpoint)
	assert.Equal(t, "http://translate:7100/run", registry.bindings[domain.StageTranslation].executor.(*Remote).endpoint)
	assert.Equal(t, time.Minute, registry.bindings[domain.StageTranslation].timeout)

	_, err = NewRegistryFromConfig(&config.PipelineConfig{Executor: config.ExecutorRemote}, discardLogger())
	assert.Error(t, err)
}
