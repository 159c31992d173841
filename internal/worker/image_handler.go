package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"github.com/MR-liu/waoowaoo-sub006/internal/config"
	"github.com/MR-liu/waoowaoo-sub006/internal/models"
	"github.com/MR-liu/waoowaoo-sub006/internal/task"
)

type imageUploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// ImageRequest is one generation call to the image provider.
type ImageRequest struct {
	Model         string   `json:"model"`
	Prompt        string   `json:"prompt"`
	ReferenceURLs []string `json:"referenceUrls,omitempty"`
	Resolution    string   `json:"resolution,omitempty"`
}

// Generator produces one image and returns where it can be downloaded.
type Generator interface {
	Generate(ctx context.Context, req ImageRequest) (string, error)
}

// HTTPGenerator calls a JSON image provider that answers {"imageUrl": "..."}.
type HTTPGenerator struct {
	endpoint string
	client   *http.Client
}

func NewHTTPGenerator(endpoint string, client *http.Client) *HTTPGenerator {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	return &HTTPGenerator{endpoint: endpoint, client: client}
}

func (g *HTTPGenerator) Generate(ctx context.Context, req ImageRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode generation request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build generation request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := g.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("generation request: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode >= http.StatusBadRequest {
		return "", providerError(resp.StatusCode, raw)
	}
	var out struct {
		ImageURL string `json:"imageUrl"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode generation response: %w", err)
	}
	if out.ImageURL == "" {
		return "", task.NewError(task.CodeGenerationFailed, "provider returned no image", nil)
	}
	return out.ImageURL, nil
}

func providerError(status int, body []byte) error {
	var detail struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &detail)
	msg := strings.TrimSpace(detail.Error)
	switch {
	case status == http.StatusTooManyRequests:
		return task.NewError(task.CodeRateLimit, fmt.Sprintf("provider rate limit (%d)", status), nil)
	case status >= http.StatusInternalServerError:
		return task.NewError(task.CodeExternalError, fmt.Sprintf("upstream error (%d) %s", status, msg), nil)
	case msg != "":
		return task.Normalize(fmt.Errorf("provider rejected request (%d): %s", status, msg))
	default:
		return task.NewError(task.CodeGenerationFailed, fmt.Sprintf("provider rejected request (%d)", status), nil)
	}
}

// ImageHandler runs the image family: generate each candidate, store the original
// and a preview, and report the stored URLs.
type ImageHandler struct {
	cfg        config.Config
	generator  Generator
	httpClient *http.Client
	local      imageUploader
	s3         imageUploader
	step       StepPolicy
}

// NewImageHandler constructs the handler and chooses an uploader (local or S3).
func NewImageHandler(ctx context.Context, cfg config.Config, gen Generator) (*ImageHandler, error) {
	timeout := cfg.ImageDownloadTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	baseDir := cfg.ImageOutputDir
	if baseDir == "" {
		baseDir = "./output"
	}

	var s3Upload imageUploader
	if cfg.ImageS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s3Upload = &s3Uploader{client: client, bucket: cfg.ImageS3Bucket}
	}
	if gen == nil {
		if cfg.ImageProviderURL == "" {
			return nil, errors.New("image provider url is not configured")
		}
		gen = NewHTTPGenerator(cfg.ImageProviderURL, nil)
	}

	return &ImageHandler{
		cfg:       cfg,
		generator: gen,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		local: &localUploader{baseDir: baseDir},
		s3:    s3Upload,
		step: StepPolicy{
			Attempts: cfg.StepMaxAttempts,
			Base:     cfg.BackoffInitial,
			Max:      cfg.BackoffMax,
		},
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ImageS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ImageS3PathStyle
		if cfg.ImageS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ImageS3Endpoint)
		}
	}), nil
}

// Handle generates every requested candidate for an image-family task.
func (h *ImageHandler) Handle(ctx context.Context, job *Job) (Result, error) {
	payload, ok := job.Payload.(models.ImagePayload)
	if !ok {
		return Result{}, task.NewError(task.CodeInvalidParams, fmt.Sprintf("unexpected payload %T for %s", job.Payload, job.Task.Type), nil)
	}
	if strings.TrimSpace(payload.Prompt) == "" {
		return Result{}, task.NewError(task.CodeInvalidParams, "prompt is required", nil)
	}
	model := firstNonEmpty(payload.ImageModel, payload.ModelID, payload.Model)
	count := 1
	if payload.CandidateCount != nil && *payload.CandidateCount > 0 {
		count = *payload.CandidateCount
	} else if payload.Count != nil && *payload.Count > 0 {
		count = *payload.Count
	}
	uploader, err := h.pickUploader()
	if err != nil {
		return Result{}, err
	}

	if err := job.Report(ctx, Progress{Percent: 5, Stage: "generate", StageLabel: "Generating image", Persist: true}); err != nil {
		return Result{}, err
	}

	var imageURLs, previewURLs []string
	for i := 0; i < count; i++ {
		if err := job.Checkpoint(ctx); err != nil {
			return Result{}, err
		}

		var sourceURL string
		err := RetryStep(ctx, job, "generate", h.step, func(ctx context.Context) error {
			u, err := h.generator.Generate(ctx, ImageRequest{
				Model:         model,
				Prompt:        payload.Prompt,
				ReferenceURLs: payload.ReferenceURLs,
				Resolution:    payload.Resolution,
			})
			sourceURL = u
			return err
		})
		if err != nil {
			return Result{}, err
		}

		data, contentType, err := h.download(ctx, sourceURL)
		if err != nil {
			return Result{}, err
		}
		img, format, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return Result{}, task.NewError(task.CodeGenerationFailed, fmt.Sprintf("decode image: %v", err), err)
		}

		outputFormat := chooseFormat(format, contentType)
		key := sanitizeKey(fmt.Sprintf("%s/%s/%s/%s-%d.%s", job.Task.ProjectID, job.Task.TargetType, job.Task.TargetID, job.Task.ID, i, formatExtension(outputFormat)))
		if err := job.Checkpoint(ctx); err != nil {
			return Result{}, err
		}
		stored, err := uploader.Upload(ctx, key, data, mimeForFormat(outputFormat, contentType))
		if err != nil {
			return Result{}, fmt.Errorf("upload: %w", err)
		}
		imageURLs = append(imageURLs, stored)

		preview, err := h.preview(img, outputFormat)
		if err != nil {
			return Result{}, err
		}
		previewKey := sanitizeKey(fmt.Sprintf("%s/%s/%s/previews/%s-%d.%s", job.Task.ProjectID, job.Task.TargetType, job.Task.TargetID, job.Task.ID, i, formatExtension(outputFormat)))
		storedPreview, err := uploader.Upload(ctx, previewKey, preview, mimeForFormat(outputFormat, contentType))
		if err != nil {
			return Result{}, fmt.Errorf("upload preview: %w", err)
		}
		previewURLs = append(previewURLs, storedPreview)

		err = job.Report(ctx, Progress{
			Percent:    5 + (i+1)*90/count,
			Stage:      "upload",
			StageLabel: fmt.Sprintf("Stored candidate %d of %d", i+1, count),
			Meta:       map[string]any{"candidate": i + 1, "candidates": count},
			Persist:    true,
		})
		if err != nil {
			return Result{}, err
		}
	}

	return Result{Data: map[string]any{
		"imageUrls":   imageURLs,
		"previewUrls": previewURLs,
		"model":       model,
	}}, nil
}

func (h *ImageHandler) preview(img image.Image, format imaging.Format) ([]byte, error) {
	width := h.cfg.ImagePreviewWidth
	if width <= 0 {
		width = 320
	}
	if img.Bounds().Dx() > width {
		img = imaging.Resize(img, width, 0, imaging.Lanczos)
	}
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, format, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encode preview: %w", err)
	}
	return buf.Bytes(), nil
}

func (h *ImageHandler) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download image: status %d", resp.StatusCode)
	}

	limit := h.cfg.ImageMaxBytes
	if limit == 0 {
		limit = 25 * 1024 * 1024
	}
	limited := io.LimitReader(resp.Body, limit+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, "", task.NewError(task.CodeGenerationFailed, fmt.Sprintf("image too large (>%d bytes)", limit), nil)
	}

	return body, resp.Header.Get("Content-Type"), nil
}

func (h *ImageHandler) pickUploader() (imageUploader, error) {
	if h.s3 != nil {
		return h.s3, nil
	}
	if h.local != nil {
		return h.local, nil
	}
	return nil, errors.New("no uploader configured")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func formatExtension(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "png"
	case imaging.GIF:
		return "gif"
	default:
		return "jpg"
	}
}

func chooseFormat(decodeFormat, contentType string) imaging.Format {
	switch strings.ToLower(decodeFormat) {
	case "png":
		return imaging.PNG
	case "gif":
		return imaging.GIF
	}
	if strings.Contains(strings.ToLower(contentType), "png") {
		return imaging.PNG
	}
	return imaging.JPEG
}

func mimeForFormat(format imaging.Format, fallback string) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	default:
		if strings.Contains(strings.ToLower(fallback), "png") {
			return "image/png"
		}
		return "image/jpeg"
	}
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean(key))
	for strings.HasPrefix(key, "../") {
		key = strings.TrimPrefix(key, "../")
	}
	key = strings.TrimPrefix(key, "/")
	key = strings.TrimPrefix(key, "./")
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
