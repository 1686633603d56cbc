package detector

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nsai-detect/backend/internal/geometry"
)

func testTile() image.Image {
	return imaging.New(32, 16, color.NRGBA{R: 200, A: 255})
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewHTTPClient(HTTPConfig{URL: srv.URL + "/predict", Timeout: 2 * time.Second, MaxRetries: 3})
	require.NoError(t, err)
	c.retryConfig.InitialDelay = time.Millisecond
	c.retryConfig.MaxDelay = time.Millisecond
	return c
}

func TestHTTPClientDetect(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/predict", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "0.25", r.FormValue("conf"))
		assert.Equal(t, "0.45", r.FormValue("iou"))
		assert.Equal(t, "cuda:0", r.FormValue("device"))

		file, _, err := r.FormFile("file")
		require.NoError(t, err)
		img, err := imaging.Decode(file)
		require.NoError(t, err)
		assert.Equal(t, 32, img.Bounds().Dx())

		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"detections": []map[string]interface{}{
				{"class_id": 1, "class_name": "ship", "confidence": 0.9, "box": []float64{1, 2, 10, 12}},
			},
		})
	})

	dets, err := c.Detect(context.Background(), testTile(), Params{ConfidenceThreshold: 0.25, IoUThreshold: 0.45, DeviceHint: "cuda:0"})
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, 1, dets[0].ClassID)
	assert.Equal(t, "ship", dets[0].ClassName)
	assert.Equal(t, geometry.Box{X1: 1, Y1: 2, X2: 10, Y2: 12}, dets[0].Box)
}

func TestHTTPClientRetriesServerErrors(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "model loading", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"detections":[]}`))
	})

	dets, err := c.Detect(context.Background(), testTile(), Params{})
	require.NoError(t, err)
	assert.Empty(t, dets)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestHTTPClientDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad image", http.StatusBadRequest)
	})

	_, err := c.Detect(context.Background(), testTile(), Params{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.False(t, IsUnavailable(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestHTTPClientExhaustedRetriesAreUnavailable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	_, err := c.Detect(context.Background(), testTile(), Params{})
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
}

func TestCheckHealth(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	assert.NoError(t, c.CheckHealth(context.Background()))
}

func TestNewHTTPClientRejectsBadURL(t *testing.T) {
	_, err := NewHTTPClient(HTTPConfig{URL: "not a url"})
	assert.Error(t, err)
}

func TestDetectorErrorUnwraps(t *testing.T) {
	inner := context.DeadlineExceeded
	err := &DetectorError{ImageID: "img", Tile: "0,0", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "tile 0,0")
}
