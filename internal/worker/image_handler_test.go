package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MR-liu/waoowaoo-sub006/internal/config"
	"github.com/MR-liu/waoowaoo-sub006/internal/models"
	"github.com/MR-liu/waoowaoo-sub006/internal/task"
)

type stubLifecycle struct {
	mu      sync.Mutex
	active  bool
	reports []task.ProgressReport
}

func (s *stubLifecycle) TryMarkProcessing(context.Context, string) (models.Task, bool, error) {
	return models.Task{}, s.active, nil
}

func (s *stubLifecycle) UpdateProgress(_ context.Context, _ string, p task.ProgressReport) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return false, nil
	}
	s.reports = append(s.reports, p)
	return true, nil
}

func (s *stubLifecycle) Heartbeat(context.Context, string) (bool, error) { return s.active, nil }

func (s *stubLifecycle) IsActive(context.Context, string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, nil
}

func (s *stubLifecycle) MarkCompleted(context.Context, string, task.Completion) (bool, error) {
	return s.active, nil
}

func (s *stubLifecycle) MarkFailed(context.Context, string, error) (bool, error) {
	return s.active, nil
}

func redSquarePNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 10, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			img.Set(x, y, color.RGBA{R: 255, G: 0, B: 0, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func imageJob(lc Lifecycle, candidates int) *Job {
	return &Job{
		Task: models.Task{
			ID:         "task-1",
			ProjectID:  "p1",
			Type:       models.TaskImageCharacter,
			TargetType: "character",
			TargetID:   "char-1",
		},
		Payload: models.ImagePayload{
			ImageModel:     "test-image",
			Prompt:         "a knight",
			CandidateCount: &candidates,
		},
		lifecycle: lc,
	}
}

func testImageConfig(dir string) config.Config {
	return config.Config{
		ImageOutputDir:       dir,
		ImageDownloadTimeout: 2 * time.Second,
		ImageMaxBytes:        2 * 1024 * 1024,
		ImagePreviewWidth:    5,
		StepMaxAttempts:      2,
		BackoffInitial:       time.Millisecond,
		BackoffMax:           2 * time.Millisecond,
	}
}

func TestImageHandler_GeneratesStoresAndPreviews(t *testing.T) {
	pngBytes := redSquarePNG(t)
	assets := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngBytes)
	}))
	defer assets.Close()

	var prompts []string
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ImageRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		prompts = append(prompts, req.Prompt)
		assert.Equal(t, "test-image", req.Model)
		_ = json.NewEncoder(w).Encode(map[string]string{"imageUrl": assets.URL + "/out.png"})
	}))
	defer provider.Close()

	dir := t.TempDir()
	cfg := testImageConfig(dir)
	cfg.ImageProviderURL = provider.URL
	handler, err := NewImageHandler(context.Background(), cfg, nil)
	require.NoError(t, err)

	lc := &stubLifecycle{active: true}
	res, err := handler.Handle(context.Background(), imageJob(lc, 2))
	require.NoError(t, err)
	assert.Len(t, prompts, 2)

	urls, _ := res.Data["imageUrls"].([]string)
	require.Len(t, urls, 2)
	original := filepath.Join(dir, "p1", "character", "char-1", "task-1-0.png")
	assert.Equal(t, original, urls[0])
	assert.FileExists(t, original)

	preview, err := os.ReadFile(filepath.Join(dir, "p1", "character", "char-1", "previews", "task-1-1.png"))
	require.NoError(t, err, "preview not written")
	img, _, err := image.Decode(bytes.NewReader(preview))
	require.NoError(t, err)
	assert.Equal(t, 5, img.Bounds().Dx())

	require.NotEmpty(t, lc.reports)
	last := lc.reports[len(lc.reports)-1]
	assert.Equal(t, 95, last.Percent)
	assert.Equal(t, "upload", last.Stage)
}

func TestImageHandler_ProviderRateLimitIsRetriedThenNormalized(t *testing.T) {
	var calls atomic.Int32
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer provider.Close()

	cfg := testImageConfig(t.TempDir())
	handler, err := NewImageHandler(context.Background(), cfg, NewHTTPGenerator(provider.URL, provider.Client()))
	require.NoError(t, err)

	_, err = handler.Handle(context.Background(), imageJob(&stubLifecycle{active: true}, 1))
	require.Error(t, err)
	assert.Equal(t, task.CodeRateLimit, task.Normalize(err).Code)
	assert.Equal(t, int32(2), calls.Load())
}

func TestImageHandler_StopsWhenTaskTerminated(t *testing.T) {
	var calls atomic.Int32
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer provider.Close()

	cfg := testImageConfig(t.TempDir())
	handler, err := NewImageHandler(context.Background(), cfg, NewHTTPGenerator(provider.URL, nil))
	require.NoError(t, err)

	_, err = handler.Handle(context.Background(), imageJob(&stubLifecycle{active: false}, 1))
	assert.ErrorIs(t, err, ErrTaskTerminated)
	assert.Zero(t, calls.Load(), "provider called for a terminated task")
}

func TestProviderErrorMapping(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   task.Code
	}{
		{http.StatusTooManyRequests, "", task.CodeRateLimit},
		{http.StatusBadGateway, "", task.CodeExternalError},
		{http.StatusBadRequest, `{"error":"content blocked by safety filter"}`, task.CodeSensitiveContent},
		{http.StatusBadRequest, "", task.CodeGenerationFailed},
	}
	for _, tc := range cases {
		err := providerError(tc.status, []byte(tc.body))
		assert.Equal(t, tc.want, task.Normalize(err).Code, "status %d body %q", tc.status, tc.body)
	}
}

func TestSanitizeKey(t *testing.T) {
	cases := map[string]string{
		"p1/character/c1/t.png":    "p1/character/c1/t.png",
		"/p1/../../etc/passwd":     "etc/passwd",
		"../../outside/escape.png": "outside/escape.png",
	}
	for in, want := range cases {
		assert.Equal(t, want, sanitizeKey(in), "sanitizeKey(%q)", in)
	}
}
