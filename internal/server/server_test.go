package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/raaihank/vision-tower/internal/config"
	"github.com/raaihank/vision-tower/internal/logger"
	"github.com/raaihank/vision-tower/internal/preprocess"
	"github.com/raaihank/vision-tower/internal/tensor"
	"github.com/raaihank/vision-tower/internal/tower"
	ws "github.com/raaihank/vision-tower/internal/websocket"
)

type fakeExtractor struct {
	loaded    bool
	processor *preprocess.Processor
	loadCalls int
}

func newFakeExtractor(loaded bool) *fakeExtractor {
	cfg := preprocess.Config{
		ImageSize: 8,
		CropSize:  8,
		Mean:      [3]float32{0.5, 0.5, 0.5},
		Std:       [3]float32{0.5, 0.5, 0.5},
	}
	return &fakeExtractor{
		loaded:    loaded,
		processor: preprocess.NewWithConfig(cfg, zap.NewNop()),
	}
}

func (f *fakeExtractor) Name() string   { return "fake-model" }
func (f *fakeExtractor) IsLoaded() bool { return f.loaded }
func (f *fakeExtractor) LoadModel(ctx context.Context) error {
	f.loadCalls++
	f.loaded = true
	return nil
}
func (f *fakeExtractor) Extract(ctx context.Context, images *tensor.Tensor) (*tensor.Tensor, error) {
	t, _ := tensor.New(tensor.Float32, tensor.CPU, []int{1, 2, 4}, []float32{1, 2, 3, 4, 5, 6, 7, 8})
	return t, nil
}
func (f *fakeExtractor) Processor() *preprocess.Processor { return f.processor }
func (f *fakeExtractor) HiddenSize() int                  { return 4 }
func (f *fakeExtractor) SelectLayer() int                 { return -2 }
func (f *fakeExtractor) SelectFeature() string            { return "patch" }
func (f *fakeExtractor) DummyFeature() *tensor.Tensor {
	return tensor.Zeros(tensor.Float32, tensor.CPU, 1, 4)
}
func (f *fakeExtractor) Close() error { return nil }

func newTestServer(t *testing.T, extractor tower.Extractor) *Server {
	t.Helper()
	cfg := config.GetDefaults()
	cfg.Server.RateLimit.Enabled = false

	log, err := logger.New(logger.Config{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	registry := tower.NewRegistry()
	if err := registry.Add("clip", extractor); err != nil {
		t.Fatalf("Failed to register tower: %v", err)
	}

	srv, err := New(cfg, registry, nil, log)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return srv
}

func encodePNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, color.RGBA{128, 128, 128, 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("Failed to encode PNG: %v", err)
	}
	return buf.Bytes()
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, newFakeExtractor(true))
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
}

func TestListTowers(t *testing.T) {
	srv := newTestServer(t, newFakeExtractor(true))
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/towers", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var body struct {
		Towers []towerInfo `json:"towers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if len(body.Towers) != 1 || body.Towers[0].Name != "clip" {
		t.Errorf("Unexpected towers: %+v", body.Towers)
	}
	if body.Towers[0].SelectLayer != -2 || body.Towers[0].SelectFeature != "patch" {
		t.Errorf("Unexpected tower config: %+v", body.Towers[0])
	}
}

func TestTowerInfoNotFound(t *testing.T) {
	srv := newTestServer(t, newFakeExtractor(true))
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/towers/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}

func TestTowerLoad(t *testing.T) {
	extractor := newFakeExtractor(false)
	srv := newTestServer(t, extractor)

	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/towers/clip/load", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if extractor.loadCalls != 1 || !extractor.loaded {
		t.Errorf("Expected one load call, got %d (loaded=%t)", extractor.loadCalls, extractor.loaded)
	}
}

func TestExtract(t *testing.T) {
	srv := newTestServer(t, newFakeExtractor(true))

	t.Run("Success", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/v1/towers/clip/features", bytes.NewReader(encodePNG(t)))
		req.Header.Set("Content-Type", "image/png")
		rec := httptest.NewRecorder()
		srv.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
		}

		var body featureResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("Failed to parse response: %v", err)
		}
		if len(body.Shape) != 3 || body.Shape[2] != 4 {
			t.Errorf("Unexpected shape: %v", body.Shape)
		}
		if len(body.Features) != 8 {
			t.Errorf("Expected 8 feature values, got %d", len(body.Features))
		}
		if body.RequestID == "" {
			t.Error("Expected a request ID")
		}
		if body.Cached {
			t.Error("Response should not be cached with no cache configured")
		}
	})

	t.Run("EmptyBody", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.router.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/towers/clip/features", nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("Expected 400, got %d", rec.Code)
		}
	})

	t.Run("UndecodableImage", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/v1/towers/clip/features", bytes.NewReader([]byte("not an image")))
		rec := httptest.NewRecorder()
		srv.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("Expected 400, got %d", rec.Code)
		}
	})
}

func TestExtractUnloadedTower(t *testing.T) {
	srv := newTestServer(t, newFakeExtractor(false))
	req := httptest.NewRequest("POST", "/v1/towers/clip/features", bytes.NewReader(encodePNG(t)))
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Errorf("Expected 409 for unloaded tower, got %d", rec.Code)
	}
}

// dialTestSocket connects to the progress feed, narrows the subscription,
// and waits for a pong so the client is registered before any broadcast.
func dialTestSocket(t *testing.T, tsURL string, events []string) *gws.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(tsURL, "http") + "/ws"
	conn, _, err := gws.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to dial WebSocket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	sub := map[string]interface{}{
		"type": "subscribe",
		"data": map[string]interface{}{"events": events},
	}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("Failed to ping: %v", err)
	}
	waitForEvent(t, conn, "pong")
	return conn
}

// waitForEvent reads events until one of the wanted type arrives
func waitForEvent(t *testing.T, conn *gws.Conn, want ws.EventType) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for i := 0; i < 20; i++ {
		var ev struct {
			Type ws.EventType           `json:"type"`
			Data map[string]interface{} `json:"data"`
		}
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("Waiting for %s event: %v", want, err)
		}
		if ev.Type == want {
			return ev.Data
		}
	}
	t.Fatalf("Never received %s event", want)
	return nil
}

func TestWebSocketExtractionComplete(t *testing.T) {
	srv := newTestServer(t, newFakeExtractor(true))
	go srv.wsHub.Run()

	ts := httptest.NewServer(srv.router)
	defer ts.Close()

	conn := dialTestSocket(t, ts.URL, []string{"extraction_complete"})

	resp, err := http.Post(ts.URL+"/v1/towers/clip/features", "image/png", bytes.NewReader(encodePNG(t)))
	if err != nil {
		t.Fatalf("Extract request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	data := waitForEvent(t, conn, ws.EventTypeExtractionComplete)
	if data["tower"] != "clip" {
		t.Errorf("Unexpected tower in event: %v", data["tower"])
	}
	if data["processed_ok"] != float64(1) {
		t.Errorf("Expected processed_ok 1, got %v", data["processed_ok"])
	}
}

func TestExtractDir(t *testing.T) {
	srv := newTestServer(t, newFakeExtractor(true))
	go srv.wsHub.Run()

	ts := httptest.NewServer(srv.router)
	defer ts.Close()

	dir := t.TempDir()
	for i := 0; i < 4; i++ {
		path := filepath.Join(dir, fmt.Sprintf("img-%d.png", i))
		if err := os.WriteFile(path, encodePNG(t), 0644); err != nil {
			t.Fatalf("Failed to write test image: %v", err)
		}
	}

	conn := dialTestSocket(t, ts.URL, []string{"extraction_progress", "extraction_complete"})

	body, err := json.Marshal(map[string]interface{}{
		"dir":            dir,
		"workers":        2,
		"progress_every": 2,
	})
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}
	resp, err := http.Post(ts.URL+"/v1/towers/clip/extract-dir", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Extract-dir request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	var summary extractDirResponse
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if summary.TotalImages != 4 || summary.ProcessedOK != 4 {
		t.Errorf("Unexpected summary: %+v", summary)
	}

	progress := waitForEvent(t, conn, ws.EventTypeExtractionProgress)
	if progress["tower"] != "clip" {
		t.Errorf("Unexpected tower in progress event: %v", progress["tower"])
	}
	waitForEvent(t, conn, ws.EventTypeExtractionComplete)
}

func TestExtractDirBadRequest(t *testing.T) {
	srv := newTestServer(t, newFakeExtractor(true))
	ts := httptest.NewServer(srv.router)
	defer ts.Close()

	t.Run("MissingDir", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/v1/towers/clip/extract-dir", "application/json", strings.NewReader(`{}`))
		if err != nil {
			t.Fatalf("Request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("Expected 400, got %d", resp.StatusCode)
		}
	})

	t.Run("UnknownTower", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/v1/towers/nope/extract-dir", "application/json", strings.NewReader(`{"dir":"x"}`))
		if err != nil {
			t.Fatalf("Request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("Expected 404, got %d", resp.StatusCode)
		}
	})
}

func TestRateLimit(t *testing.T) {
	extractor := newFakeExtractor(true)
	cfg := config.GetDefaults()
	cfg.Server.RateLimit.Enabled = true
	cfg.Server.RateLimit.RequestsPerSecond = 0.001
	cfg.Server.RateLimit.Burst = 1

	log, err := logger.New(logger.Config{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	registry := tower.NewRegistry()
	if err := registry.Add("clip", extractor); err != nil {
		t.Fatalf("Failed to register tower: %v", err)
	}
	srv, err := New(cfg, registry, nil, log)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	first := httptest.NewRecorder()
	srv.router.ServeHTTP(first, httptest.NewRequest("GET", "/v1/towers", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("First request should pass, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	srv.router.ServeHTTP(second, httptest.NewRequest("GET", "/v1/towers", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Errorf("Second request should be limited, got %d", second.Code)
	}
}
