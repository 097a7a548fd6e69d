package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/vision-tower/internal/cache"
	"github.com/raaihank/vision-tower/internal/etl"
	"github.com/raaihank/vision-tower/internal/preprocess"
	"github.com/raaihank/vision-tower/internal/tower"
	"github.com/raaihank/vision-tower/internal/websocket"
)

// towerInfo is the JSON shape of one tower in API responses
type towerInfo struct {
	Name          string `json:"name"`
	Loaded        bool   `json:"loaded"`
	HiddenSize    int    `json:"hidden_size"`
	SelectLayer   int    `json:"select_layer"`
	SelectFeature string `json:"select_feature"`
}

// featureResponse is the JSON shape of an extraction result
type featureResponse struct {
	RequestID   string    `json:"request_id"`
	Tower       string    `json:"tower"`
	Cached      bool      `json:"cached"`
	Shape       []int     `json:"shape"`
	DType       string    `json:"dtype"`
	InferenceMS float64   `json:"inference_ms"`
	Features    []float32 `json:"features"`
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg, RequestID: getRequestID(r.Context())})
}

// handleListTowers returns every registered tower
func (s *Server) handleListTowers(w http.ResponseWriter, r *http.Request) {
	infos := make([]towerInfo, 0, len(s.registry.Names()))
	for _, name := range s.registry.Names() {
		t, err := s.registry.Get(name)
		if err != nil {
			continue
		}
		infos = append(infos, describeTower(name, t))
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"towers": infos})
}

// handleTowerInfo returns one tower's configuration and state
func (s *Server) handleTowerInfo(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	t, err := s.registry.Get(name)
	if err != nil {
		s.writeError(w, r, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, describeTower(name, t))
}

// handleTowerLoad loads a delayed tower's weights. Loading an already loaded
// tower is a no-op.
func (s *Server) handleTowerLoad(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	t, err := s.registry.Get(name)
	if err != nil {
		s.writeError(w, r, http.StatusNotFound, err.Error())
		return
	}

	if err := t.LoadModel(r.Context()); err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, describeTower(name, t))
}

// handleExtract runs one image through a tower and returns the selected
// features
func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r.Context())
	name := mux.Vars(r)["name"]

	t, err := s.registry.Get(name)
	if err != nil {
		s.writeError(w, r, http.StatusNotFound, err.Error())
		return
	}
	if !t.IsLoaded() {
		s.writeError(w, r, http.StatusConflict, "tower not loaded: "+name)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, int64(s.config.Server.MaxImageMB)<<20)
	imageBytes, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, r, http.StatusRequestEntityTooLarge, "image too large or unreadable")
		return
	}
	if len(imageBytes) == 0 {
		s.writeError(w, r, http.StatusBadRequest, "empty request body")
		return
	}

	// Cached features skip the forward pass entirely
	if s.cache != nil {
		lookup, err := s.cache.Lookup(r.Context(), imageBytes, name, t.SelectLayer(), t.SelectFeature())
		if err == nil && lookup.CacheHit {
			f := lookup.Features
			s.writeJSON(w, http.StatusOK, featureResponse{
				RequestID: requestID,
				Tower:     name,
				Cached:    true,
				Shape:     f.Shape,
				DType:     f.DType,
				Features:  f.Data,
			})
			return
		}
	}

	img, err := preprocess.DecodeBytes(imageBytes, extFromContentType(r.Header.Get("Content-Type")))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "undecodable image: "+err.Error())
		return
	}

	pixels, err := t.Processor().Process(img)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}

	start := time.Now()
	features, err := t.Extract(r.Context(), pixels.WithBatch())
	if err != nil {
		if errors.Is(err, tower.ErrInvalidSelectFeature) {
			s.writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		s.writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	inference := time.Since(start)

	s.wsHub.BroadcastEvent(websocket.Event{
		Type:      websocket.EventTypeExtractionComplete,
		Timestamp: time.Now(),
		RequestID: requestID,
		Data: websocket.ExtractionCompleteEvent{
			Tower:       name,
			TotalImages: 1,
			ProcessedOK: 1,
			DurationMS:  inference.Milliseconds(),
		},
	})

	if s.cache != nil {
		if err := s.cache.Store(r.Context(), imageBytes, &cache.CachedFeatures{
			Tower:         name,
			SelectLayer:   t.SelectLayer(),
			SelectFeature: t.SelectFeature(),
			Shape:         features.Shape(),
			DType:         string(features.DType()),
			Data:          features.Data(),
		}); err != nil {
			s.logger.WithRequestID(requestID).Warn("Failed to cache features", zap.Error(err))
		}
	}

	s.writeJSON(w, http.StatusOK, featureResponse{
		RequestID:   requestID,
		Tower:       name,
		Cached:      false,
		Shape:       features.Shape(),
		DType:       string(features.DType()),
		InferenceMS: float64(inference.Microseconds()) / 1000,
		Features:    features.Data(),
	})
}

// extractDirRequest asks for batch extraction over a directory on the
// server's filesystem
type extractDirRequest struct {
	Dir           string `json:"dir"`
	Workers       int    `json:"workers,omitempty"`
	BatchSize     int    `json:"batch_size,omitempty"`
	ProgressEvery int    `json:"progress_every,omitempty"`
}

// extractDirResponse summarizes a finished batch extraction
type extractDirResponse struct {
	RequestID       string   `json:"request_id"`
	Tower           string   `json:"tower"`
	TotalImages     int64    `json:"total_images"`
	ProcessedOK     int64    `json:"processed_ok"`
	ProcessedFailed int64    `json:"processed_failed"`
	CacheHits       int64    `json:"cache_hits"`
	DurationMS      int64    `json:"duration_ms"`
	Errors          []string `json:"errors,omitempty"`
}

// handleExtractDir runs the extraction pipeline over a server-local
// directory. Progress is broadcast to WebSocket subscribers while the job
// runs; the response carries the final summary.
func (s *Server) handleExtractDir(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r.Context())
	name := mux.Vars(r)["name"]

	t, err := s.registry.Get(name)
	if err != nil {
		s.writeError(w, r, http.StatusNotFound, err.Error())
		return
	}
	if !t.IsLoaded() {
		s.writeError(w, r, http.StatusConflict, "tower not loaded: "+name)
		return
	}

	var req extractDirRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Dir == "" {
		s.writeError(w, r, http.StatusBadRequest, "dir is required")
		return
	}

	pipeline := etl.NewPipeline(name, t, nil, s.cache, nil, &etl.Config{
		BatchSize:      req.BatchSize,
		WorkerCount:    req.Workers,
		ProgressReport: req.ProgressEvery,
		SkipCached:     s.cache != nil,
		UpdateCache:    s.cache != nil,
	}, s.logger.WithRequestID(requestID).Logger)

	pipeline.SetProgressFunc(func(ev etl.ProgressEvent) {
		s.wsHub.BroadcastProgress(websocket.ExtractionProgressEvent{
			Tower:     ev.Tower,
			Processed: ev.Processed,
			Failed:    ev.Failed,
			Total:     ev.Total,
			CacheHits: ev.CacheHits,
			Rate:      ev.Rate,
			ElapsedMS: ev.Elapsed.Milliseconds(),
		})
	})

	result, err := pipeline.ProcessDir(r.Context(), req.Dir)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	rate := 0.0
	if secs := result.Duration.Seconds(); secs > 0 {
		rate = float64(result.ProcessedOK) / secs
	}
	s.wsHub.BroadcastEvent(websocket.Event{
		Type:      websocket.EventTypeExtractionComplete,
		Timestamp: time.Now(),
		RequestID: requestID,
		Data: websocket.ExtractionCompleteEvent{
			Tower:       name,
			TotalImages: result.TotalImages,
			ProcessedOK: result.ProcessedOK,
			Failed:      result.ProcessedFailed,
			DurationMS:  result.Duration.Milliseconds(),
			RatePerSec:  rate,
		},
	})

	s.writeJSON(w, http.StatusOK, extractDirResponse{
		RequestID:       requestID,
		Tower:           name,
		TotalImages:     result.TotalImages,
		ProcessedOK:     result.ProcessedOK,
		ProcessedFailed: result.ProcessedFailed,
		CacheHits:       result.CacheHits,
		DurationMS:      result.Duration.Milliseconds(),
		Errors:          result.Errors,
	})
}

func describeTower(name string, t tower.Extractor) towerInfo {
	return towerInfo{
		Name:          name,
		Loaded:        t.IsLoaded(),
		HiddenSize:    t.HiddenSize(),
		SelectLayer:   t.SelectLayer(),
		SelectFeature: t.SelectFeature(),
	}
}

// extFromContentType maps an image content type to a file extension hint for
// the decoder
func extFromContentType(contentType string) string {
	switch {
	case strings.Contains(contentType, "webp"):
		return ".webp"
	case strings.Contains(contentType, "png"):
		return ".png"
	case strings.Contains(contentType, "gif"):
		return ".gif"
	default:
		return ".jpg"
	}
}
