package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Tutortoise/blast-classifier-service/classification"
	"github.com/Tutortoise/blast-classifier-service/config"
	"github.com/Tutortoise/blast-classifier-service/history"
	"github.com/Tutortoise/blast-classifier-service/models"
)

type stubModel struct {
	probs []float32
	err   error
	calls atomic.Int32
}

func (m *stubModel) Predict(_ context.Context, input []float32) ([]float32, error) {
	m.calls.Add(1)
	if len(input) != classification.InputSize {
		return nil, fmt.Errorf("unexpected input length %d", len(input))
	}
	if m.err != nil {
		return nil, m.err
	}
	return m.probs, nil
}

type fakeCache struct {
	mu      sync.Mutex
	entries map[string]*models.Prediction
	pingErr error
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string]*models.Prediction)}
}

func (c *fakeCache) Get(_ context.Context, digest string) (*models.Prediction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[digest], nil
}

func (c *fakeCache) Set(_ context.Context, digest string, p *models.Prediction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[digest] = p
	return nil
}

func (c *fakeCache) Ping(context.Context) error {
	return c.pingErr
}

type fakeHistory struct {
	mu      sync.Mutex
	records []history.Record
	saveErr error
}

func (h *fakeHistory) Save(_ context.Context, r *history.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.saveErr != nil {
		return h.saveErr
	}
	h.records = append(h.records, *r)
	return nil
}

func (h *fakeHistory) Recent(_ context.Context, limit int) ([]history.Record, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]history.Record, 0, limit)
	for i := len(h.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, h.records[i])
	}
	return out, nil
}

func (h *fakeHistory) Ping(context.Context) error {
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ExposeErrors: true},
		Upload: config.UploadConfig{Field: "imageFile", MaxSize: 10 << 20},
	}
}

func newTestState(model classification.Model) *AppState {
	return &AppState{
		Config:     testConfig(),
		Classifier: classification.NewClassifier(model, config.DefaultLabels, classification.NewPreprocessor(imaging.CatmullRom)),
		Metrics:    NewMetrics(),
		Log:        zap.NewNop(),
	}
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// uploadBody builds a multipart body with one part. An empty filename is sent
// the way browsers do when no file was chosen.
func uploadBody(t *testing.T, field, filename string, content []byte) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
	h.Set("Content-Type", "application/octet-stream")
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	return &buf, mw.FormDataContentType()
}

func postClassify(t *testing.T, handler http.Handler, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/classify", body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleClassify(t *testing.T) {
	pngBytes := testPNG(t, 320, 240)

	tests := []struct {
		name         string
		body         func(t *testing.T) (io.Reader, string)
		expectStatus int
		expectBody   string
		expectPrefix string
	}{
		{
			name: "valid image",
			body: func(t *testing.T) (io.Reader, string) {
				return uploadBody(t, "imageFile", "cell.png", pngBytes)
			},
			expectStatus: http.StatusOK,
			expectBody:   `{"class":"Pro-B","confidence":0.7}`,
		},
		{
			name: "body is not multipart",
			body: func(t *testing.T) (io.Reader, string) {
				return strings.NewReader(`{"image":"abc"}`), "application/json"
			},
			expectStatus: http.StatusBadRequest,
			expectBody:   `{"error":"No file part"}`,
		},
		{
			name: "no content type",
			body: func(t *testing.T) (io.Reader, string) {
				return bytes.NewReader(pngBytes), ""
			},
			expectStatus: http.StatusBadRequest,
			expectBody:   `{"error":"No file part"}`,
		},
		{
			name: "wrong field name",
			body: func(t *testing.T) (io.Reader, string) {
				return uploadBody(t, "file", "cell.png", pngBytes)
			},
			expectStatus: http.StatusBadRequest,
			expectBody:   `{"error":"No file part"}`,
		},
		{
			name: "empty filename",
			body: func(t *testing.T) (io.Reader, string) {
				return uploadBody(t, "imageFile", "", nil)
			},
			expectStatus: http.StatusBadRequest,
			expectBody:   `{"error":"No selected file"}`,
		},
		{
			name: "bytes that are not an image",
			body: func(t *testing.T) (io.Reader, string) {
				return uploadBody(t, "imageFile", "notes.txt", []byte("definitely not an image"))
			},
			expectStatus: http.StatusInternalServerError,
			expectPrefix: "cannot identify image file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := &stubModel{probs: []float32{0.05, 0.1, 0.7, 0.1, 0.05}}
			router := newTestState(model).Router()

			body, contentType := tt.body(t)
			rec := postClassify(t, router, body, contentType)

			assert.Equal(t, tt.expectStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			if tt.expectBody != "" {
				assert.JSONEq(t, tt.expectBody, rec.Body.String())
			}
			if tt.expectPrefix != "" {
				var resp ErrorResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
				assert.True(t, strings.HasPrefix(resp.Error, tt.expectPrefix), resp.Error)
			}
			if tt.expectStatus != http.StatusOK {
				assert.Zero(t, model.calls.Load())
			}
		})
	}
}

func TestHandleClassify_ModelUnavailable(t *testing.T) {
	reason := errors.New("open models/Model100.onnx: no such file or directory")
	state := newTestState(classification.Unavailable{Reason: reason})

	t.Run("error message is exposed", func(t *testing.T) {
		body, contentType := uploadBody(t, "imageFile", "cell.png", testPNG(t, 50, 50))
		rec := postClassify(t, state.Router(), body, contentType)

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Contains(t, resp.Error, "model not loaded")
	})

	t.Run("error message is redacted", func(t *testing.T) {
		state.Config.Server.ExposeErrors = false
		defer func() { state.Config.Server.ExposeErrors = true }()

		body, contentType := uploadBody(t, "imageFile", "cell.png", testPNG(t, 50, 50))
		rec := postClassify(t, state.Router(), body, contentType)

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.JSONEq(t, `{"error":"Internal server error"}`, rec.Body.String())
	})

	t.Run("input errors still win", func(t *testing.T) {
		rec := postClassify(t, state.Router(), strings.NewReader("x"), "text/plain")

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.JSONEq(t, `{"error":"No file part"}`, rec.Body.String())
	})
}

func TestHandleClassify_InferenceFailure(t *testing.T) {
	model := &stubModel{err: errors.New("session crashed")}
	router := newTestState(model).Router()

	body, contentType := uploadBody(t, "imageFile", "cell.png", testPNG(t, 64, 64))
	rec := postClassify(t, router, body, contentType)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "session crashed")
}

func TestHandleClassify_TooLarge(t *testing.T) {
	model := &stubModel{probs: []float32{1, 0, 0, 0, 0}}
	state := newTestState(model)
	state.Config.Upload.MaxSize = 1024

	body, contentType := uploadBody(t, "imageFile", "big.png", bytes.Repeat([]byte{0xAB}, 8192))
	rec := postClassify(t, state.Router(), body, contentType)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.JSONEq(t, `{"error":"File too large"}`, rec.Body.String())
	assert.Zero(t, model.calls.Load())
}

func TestHandleClassify_Idempotent(t *testing.T) {
	model := &stubModel{probs: []float32{0.1, 0.2, 0.1, 0.1, 0.5}}
	router := newTestState(model).Router()
	data := testPNG(t, 100, 80)

	var bodies []string
	for i := 0; i < 2; i++ {
		body, contentType := uploadBody(t, "imageFile", "cell.png", data)
		rec := postClassify(t, router, body, contentType)
		require.Equal(t, http.StatusOK, rec.Code)
		bodies = append(bodies, rec.Body.String())
	}

	assert.Equal(t, bodies[0], bodies[1])
	assert.JSONEq(t, `{"class":"Healthy","confidence":0.5}`, bodies[0])
}

func TestHandleClassify_CacheAndHistory(t *testing.T) {
	model := &stubModel{probs: []float32{0.9, 0.025, 0.025, 0.025, 0.025}}
	cache := newFakeCache()
	store := &fakeHistory{}
	state := newTestState(model)
	state.Cache = cache
	state.History = store
	router := state.Router()
	data := testPNG(t, 40, 40)

	for i := 0; i < 3; i++ {
		body, contentType := uploadBody(t, "imageFile", "cell.png", data)
		rec := postClassify(t, router, body, contentType)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"class":"Pre-B","confidence":0.9}`, rec.Body.String())
	}

	assert.Equal(t, int32(1), model.calls.Load())
	assert.Contains(t, cache.entries, imageDigest(data))
	require.Len(t, store.records, 1)
	assert.Equal(t, "Pre-B", store.records[0].Class)
	assert.Equal(t, imageDigest(data), store.records[0].ImageSHA256)
}

func TestHandleClassify_HistoryFailureIsNotFatal(t *testing.T) {
	state := newTestState(&stubModel{probs: []float32{0, 0, 0, 1, 0}})
	state.History = &fakeHistory{saveErr: errors.New("connection refused")}

	body, contentType := uploadBody(t, "imageFile", "cell.png", testPNG(t, 30, 30))
	rec := postClassify(t, state.Router(), body, contentType)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"class":"Benign","confidence":1}`, rec.Body.String())
}

func TestHandleHealth(t *testing.T) {
	get := func(state *AppState) (*httptest.ResponseRecorder, HealthResponse) {
		rec := httptest.NewRecorder()
		state.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		var resp HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		return rec, resp
	}

	t.Run("healthy", func(t *testing.T) {
		rec, resp := get(newTestState(&stubModel{}))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "healthy", resp.Status)
		assert.Equal(t, "ok", resp.Components["model"])
		assert.Equal(t, "disabled", resp.Components["cache"])
		assert.Equal(t, "disabled", resp.Components["history"])
		assert.NotNil(t, resp.CPU)
	})

	t.Run("model unavailable", func(t *testing.T) {
		rec, resp := get(newTestState(classification.Unavailable{Reason: errors.New("missing")}))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "degraded", resp.Status)
		assert.Contains(t, resp.Components["model"], "model not loaded")
	})

	t.Run("cache down keeps serving", func(t *testing.T) {
		state := newTestState(&stubModel{})
		cache := newFakeCache()
		cache.pingErr = errors.New("dial tcp: connection refused")
		state.Cache = cache
		state.History = &fakeHistory{}

		rec, resp := get(state)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "degraded", resp.Status)
		assert.Contains(t, resp.Components["cache"], "connection refused")
		assert.Equal(t, "ok", resp.Components["history"])
	})
}

func TestHandlePredictions(t *testing.T) {
	t.Run("disabled without a store", func(t *testing.T) {
		rec := httptest.NewRecorder()
		newTestState(&stubModel{}).Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/predictions", nil))

		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.JSONEq(t, `{"error":"History disabled"}`, rec.Body.String())
	})

	store := &fakeHistory{}
	for _, class := range []string{"Pre-B", "Benign", "Healthy"} {
		require.NoError(t, store.Save(context.Background(), history.NewRecord(class, 0.8, "digest")))
	}
	state := newTestState(&stubModel{})
	state.History = store
	router := state.Router()

	tests := []struct {
		name         string
		query        string
		expectStatus int
		expectClass  []string
	}{
		{name: "default limit", query: "", expectStatus: http.StatusOK, expectClass: []string{"Healthy", "Benign", "Pre-B"}},
		{name: "explicit limit", query: "?limit=2", expectStatus: http.StatusOK, expectClass: []string{"Healthy", "Benign"}},
		{name: "non-numeric limit", query: "?limit=abc", expectStatus: http.StatusBadRequest},
		{name: "zero limit", query: "?limit=0", expectStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/predictions"+tt.query, nil))

			require.Equal(t, tt.expectStatus, rec.Code)
			if tt.expectStatus != http.StatusOK {
				return
			}
			var records []history.Record
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
			classes := make([]string, 0, len(records))
			for _, r := range records {
				classes = append(classes, r.Class)
			}
			assert.Equal(t, tt.expectClass, classes)
		})
	}
}

func TestRouter(t *testing.T) {
	router := newTestState(&stubModel{probs: []float32{0.2, 0.2, 0.2, 0.2, 0.2}}).Router()

	t.Run("index page", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
		assert.Contains(t, rec.Body.String(), `name="imageFile"`)
	})

	t.Run("classify rejects GET", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/classify", nil))

		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("unknown path", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))

		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.JSONEq(t, `{"error":"Not found"}`, rec.Body.String())
	})

	t.Run("metrics after a request", func(t *testing.T) {
		body, contentType := uploadBody(t, "imageFile", "cell.png", testPNG(t, 20, 20))
		require.Equal(t, http.StatusOK, postClassify(t, router, body, contentType).Code)

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `blast_classifier_http_requests_total{method="POST",path="/classify",status="200"} 1`)
		assert.Contains(t, rec.Body.String(), `blast_classifier_predictions_total{class="Pre-B"} 1`)
	})
}
