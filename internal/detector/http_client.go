package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"github.com/nsai-detect/backend/internal/geometry"
	"github.com/nsai-detect/backend/internal/metrics"
	"github.com/nsai-detect/backend/pkg/circuitbreaker"
	"github.com/nsai-detect/backend/pkg/logger"
	"github.com/nsai-detect/backend/pkg/retry"
)

// HTTPClient posts each tile as a PNG to a model-serving endpoint.
type HTTPClient struct {
	inferenceURL string
	httpClient   *http.Client
	cb           *circuitbreaker.CircuitBreaker
	retryConfig  retry.Config
}

type HTTPConfig struct {
	URL        string
	Timeout    time.Duration
	MaxRetries int
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("inference failed with status %d: %s", e.code, e.body)
}

type wireDetection struct {
	ClassID    int        `json:"class_id"`
	ClassName  string     `json:"class_name"`
	Confidence float64    `json:"confidence"`
	Box        [4]float64 `json:"box"`
}

type wireResponse struct {
	Detections []wireDetection `json:"detections"`
}

func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if _, err := url.ParseRequestURI(cfg.URL); err != nil {
		return nil, fmt.Errorf("invalid detector url %q: %w", cfg.URL, err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}

	cb := circuitbreaker.NewCircuitBreaker("detector", circuitbreaker.Config{
		TripAfter:        5,
		RecoverAfter:     2,
		HalfOpenRequests: 2,
		Cooldown:         15 * time.Second,
		Window:           time.Minute,
		OnStateChange:    metrics.ObserveBreaker,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    cfg.MaxRetries,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       3 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		OnRetry:        metrics.RetryHook("detector"),
		Logger:         logger.GetLogger(),
	}

	logger.Info("Detector client initialized", zap.String("url", cfg.URL))

	return &HTTPClient{
		inferenceURL: cfg.URL,
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		cb:           cb,
		retryConfig:  retryConfig,
	}, nil
}

func (c *HTTPClient) Detect(ctx context.Context, tile image.Image, params Params) ([]Detection, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, tile, imaging.PNG); err != nil {
		return nil, fmt.Errorf("failed to encode tile: %w", err)
	}
	payload := buf.Bytes()

	var dets []Detection
	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			var err error
			dets, err = c.post(ctx, payload, params)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return dets, nil
}

func (c *HTTPClient) post(ctx context.Context, payload []byte, params Params) ([]Detection, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", "tile.png")
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to create form file: %w", err))
	}
	if _, err := part.Write(payload); err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to write tile: %w", err))
	}
	fields := [][2]string{
		{"conf", strconv.FormatFloat(params.ConfidenceThreshold, 'f', -1, 64)},
		{"iou", strconv.FormatFloat(params.IoUThreshold, 'f', -1, 64)},
	}
	if params.DeviceHint != "" {
		fields = append(fields, [2]string{"device", params.DeviceHint})
	}
	for _, field := range fields {
		if err := writer.WriteField(field[0], field[1]); err != nil {
			return nil, retry.Permanent(fmt.Errorf("failed to write %s field: %w", field[0], err))
		}
	}
	if err := writer.Close(); err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to close multipart body: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.inferenceURL, body)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, retry.Permanent(err)
		}
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		serr := &statusError{code: resp.StatusCode, body: string(bytes.TrimSpace(snippet))}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, serr
		}
		return nil, retry.Permanent(serr)
	}

	var result wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to decode response: %w", err))
	}

	dets := make([]Detection, 0, len(result.Detections))
	for _, d := range result.Detections {
		dets = append(dets, Detection{
			ClassID:    d.ClassID,
			ClassName:  d.ClassName,
			Confidence: d.Confidence,
			Box:        geometry.Box{X1: d.Box[0], Y1: d.Box[1], X2: d.Box[2], Y2: d.Box[3]},
		})
	}
	return dets, nil
}

func (c *HTTPClient) CheckHealth(ctx context.Context) error {
	u, err := url.Parse(c.inferenceURL)
	if err != nil {
		return err
	}
	u.Path = "/health"
	u.RawQuery = ""

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("detector service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("detector service unhealthy: %d", resp.StatusCode)
	}
	return nil
}

// IsUnavailable reports whether err means the service is down rather than
// the request being bad.
func IsUnavailable(err error) bool {
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return true
	}
	var serr *statusError
	return errors.As(err, &serr) && serr.code >= 500
}
