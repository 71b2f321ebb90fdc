package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/Tutortoise/blast-classifier-service/classification"
	"github.com/Tutortoise/blast-classifier-service/config"
	"github.com/Tutortoise/blast-classifier-service/history"
	"github.com/Tutortoise/blast-classifier-service/models"
)

const healthCheckTimeout = 2 * time.Second

// HistoryStore persists successful predictions.
type HistoryStore interface {
	Save(ctx context.Context, r *history.Record) error
	Recent(ctx context.Context, limit int) ([]history.Record, error)
	Ping(ctx context.Context) error
}

type pinger interface {
	Ping(ctx context.Context) error
}

// AppState is shared by every handler. Cache, History and Pool are optional.
type AppState struct {
	Config     *config.Config
	Classifier *classification.Classifier
	Cache      ResultCache
	History    HistoryStore
	Pool       *SessionPool
	Metrics    *Metrics
	Log        *zap.Logger
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
	Pool       *PoolStats        `json:"pool,omitempty"`
	CPU        map[string]bool   `json:"cpu"`
}

func (s *AppState) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(RequestID, AccessLog(s.Log, s.Metrics), Recovery(s.Log), CORS)

	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/classify", s.handleClassify).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/predictions", s.handlePredictions).Methods(http.MethodGet)
	if s.Metrics != nil {
		r.Handle("/metrics", s.Metrics.Handler()).Methods(http.MethodGet)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		sendErrorResponse(w, MsgNotFound, http.StatusNotFound)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		sendErrorResponse(w, MsgBadMethod, http.StatusMethodNotAllowed)
	})

	return r
}

func (s *AppState) handleIndex(w http.ResponseWriter, _ *http.Request) {
	page, err := indexPage()
	if err != nil {
		s.Log.Error("Failed to read embedded index page", zap.Error(err))
		sendErrorResponse(w, MsgInternalError, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(page)
}

func (s *AppState) handleClassify(w http.ResponseWriter, r *http.Request) {
	startTotal := time.Now()
	requestID := RequestIDFromContext(r.Context())
	timings := &models.ProcessingTimings{RequestID: requestID}

	data, err := s.readUpload(w, r)
	if err != nil {
		s.sendClientError(w, err)
		return
	}

	prediction, err := s.classify(r.Context(), data, timings)
	if err != nil {
		s.Log.Error("Error processing image",
			zap.String("request_id", requestID),
			zap.Error(err))
		message := err.Error()
		if !s.Config.Server.ExposeErrors {
			message = MsgInternalError
		}
		sendErrorResponse(w, message, http.StatusInternalServerError)
		return
	}

	timings.Total = time.Since(startTotal)
	s.logTimings(timings)

	sendJSON(w, http.StatusOK, prediction)
}

// readUpload returns the bytes of the configured file field, or one of the
// client input errors.
func (s *AppState) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	maxSize := s.Config.Upload.MaxSize
	field := s.Config.Upload.Field

	r.Body = http.MaxBytesReader(w, r.Body, maxSize)
	if err := r.ParseMultipartForm(maxSize); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, ErrFileTooLarge
		}
		s.Log.Debug("Unreadable multipart body", zap.Error(err))
		return nil, ErrNoFilePart
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile(field)
	if err != nil {
		// A part sent without a filename is parsed as a plain form value.
		if _, ok := r.MultipartForm.Value[field]; ok {
			return nil, ErrNoSelectedFile
		}
		return nil, ErrNoFilePart
	}
	defer file.Close()

	if header.Filename == "" {
		return nil, ErrNoSelectedFile
	}

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *AppState) sendClientError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrFileTooLarge):
		sendErrorResponse(w, MsgFileTooLarge, http.StatusRequestEntityTooLarge)
	case errors.Is(err, ErrNoSelectedFile):
		sendErrorResponse(w, MsgNoSelectedFile, http.StatusBadRequest)
	case errors.Is(err, ErrNoFilePart):
		sendErrorResponse(w, MsgNoFilePart, http.StatusBadRequest)
	default:
		s.Log.Error("Failed to read upload", zap.Error(err))
		sendErrorResponse(w, MsgInternalError, http.StatusInternalServerError)
	}
}

// classify serves from the cache when possible and records fresh results.
// Cache and history failures never fail the request.
func (s *AppState) classify(ctx context.Context, data []byte, timings *models.ProcessingTimings) (*models.Prediction, error) {
	if err := s.Classifier.Ready(); err != nil {
		return nil, err
	}

	digest := imageDigest(data)

	if s.Cache != nil {
		cached, err := s.Cache.Get(ctx, digest)
		if err != nil {
			s.Log.Warn("Cache lookup failed", zap.String("request_id", timings.RequestID), zap.Error(err))
		}
		if s.Metrics != nil && err == nil {
			s.Metrics.ObserveCache(cached != nil)
		}
		if cached != nil {
			return cached, nil
		}
	}

	prediction, err := s.Classifier.Classify(ctx, data, timings)
	if err != nil {
		return nil, err
	}
	if s.Metrics != nil {
		s.Metrics.ObservePrediction(prediction.Class, timings.Inference)
	}

	if s.Cache != nil {
		if err := s.Cache.Set(ctx, digest, prediction); err != nil {
			s.Log.Warn("Cache store failed", zap.String("request_id", timings.RequestID), zap.Error(err))
		}
	}
	if s.History != nil {
		if err := s.History.Save(ctx, history.NewRecord(prediction.Class, prediction.Confidence, digest)); err != nil {
			s.Log.Warn("Failed to record prediction", zap.String("request_id", timings.RequestID), zap.Error(err))
		}
	}

	return prediction, nil
}

func (s *AppState) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := HealthResponse{
		Status:     "healthy",
		Components: make(map[string]string),
		CPU:        classification.CPUFeatures(),
	}
	code := http.StatusOK

	if err := s.Classifier.Ready(); err != nil {
		resp.Components["model"] = "unavailable: " + err.Error()
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	} else {
		resp.Components["model"] = "ok"
	}

	if s.Pool != nil {
		stats := s.Pool.Stats()
		resp.Pool = &stats
	}

	check := func(name string, p pinger, configured bool) {
		switch {
		case !configured:
			resp.Components[name] = "disabled"
		case p == nil:
			resp.Components[name] = "ok"
		default:
			if err := p.Ping(ctx); err != nil {
				resp.Components[name] = "error: " + err.Error()
				resp.Status = "degraded"
				return
			}
			resp.Components[name] = "ok"
		}
	}
	cachePinger, _ := s.Cache.(pinger)
	check("cache", cachePinger, s.Cache != nil)
	var historyPinger pinger
	if s.History != nil {
		historyPinger = s.History
	}
	check("history", historyPinger, s.History != nil)

	sendJSON(w, code, resp)
}

func (s *AppState) handlePredictions(w http.ResponseWriter, r *http.Request) {
	if s.History == nil {
		sendErrorResponse(w, MsgHistoryOff, http.StatusNotFound)
		return
	}

	limit := history.DefaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			sendErrorResponse(w, MsgBadLimit, http.StatusBadRequest)
			return
		}
		limit = history.ClampLimit(n)
	}

	records, err := s.History.Recent(r.Context(), limit)
	if err != nil {
		s.Log.Error("Failed to list predictions", zap.Error(err))
		sendErrorResponse(w, MsgInternalError, http.StatusInternalServerError)
		return
	}

	sendJSON(w, http.StatusOK, records)
}

func (s *AppState) logTimings(t *models.ProcessingTimings) {
	s.Log.Debug("Processing times",
		zap.String("request_id", t.RequestID),
		zap.Duration("image_decode", t.ImageDecode),
		zap.Duration("resize", t.Resize),
		zap.Duration("preprocess", t.Preprocess),
		zap.Duration("inference", t.Inference),
		zap.Duration("postprocess", t.Postprocess),
		zap.Duration("total", t.Total))
}

func sendJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func sendErrorResponse(w http.ResponseWriter, message string, status int) {
	sendJSON(w, status, ErrorResponse{Error: message})
}
