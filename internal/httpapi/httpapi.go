// Package httpapi exposes the catalogues over HTTP and streams runs over
// WebSocket connections.
//
//	GET /languages/list
//	GET /languages/check/{id}
//	GET /models/list
//	GET /models/download/{id}?ignore_cache=true   (websocket)
//	GET /transcribe?model=&language=              (websocket, one binary WAV message)
//	GET /metrics
//
// Streams carry one JSON text message per event and end with a normal close.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/audio"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/events"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/language"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/pipeline"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/service"
)

const (
	writeWait = 10 * time.Second
	// maxAudioBytes bounds the uploaded recording (about 30 minutes of 16 kHz stereo PCM16).
	maxAudioBytes = 128 << 20
)

// Handler routes the HTTP API.
type Handler struct {
	svc      *service.Service
	log      *slog.Logger
	mux      *http.ServeMux
	upgrader websocket.Upgrader
}

// New builds the handler. A nil gatherer disables /metrics.
func New(svc *service.Service, gatherer prometheus.Gatherer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		svc: svc,
		log: logger.With("component", "httpapi.Handler"),
		mux: http.NewServeMux(),
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	h.mux.HandleFunc("GET /languages/list", h.listLanguages)
	h.mux.HandleFunc("GET /languages/check/{id}", h.checkLanguage)
	h.mux.HandleFunc("GET /models/list", h.listModels)
	h.mux.HandleFunc("GET /models/download/{id}", h.downloadModel)
	h.mux.HandleFunc("GET /transcribe", h.transcribe)
	if gatherer != nil {
		h.mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type languageInfo struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

type modelList struct {
	Backend string              `json:"backend"`
	Models  []service.ModelInfo `json:"models"`
}

type errorBody struct {
	Error string `json:"error"`
}

func (h *Handler) listLanguages(w http.ResponseWriter, _ *http.Request) {
	all := h.svc.Languages()
	out := make([]languageInfo, 0, len(all))
	for _, l := range all {
		out = append(out, languageInfo{Code: l.Code, Name: l.Name})
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) checkLanguage(w http.ResponseWriter, r *http.Request) {
	l, err := h.svc.CheckLanguage(r.PathValue("id"))
	if errors.Is(err, language.ErrUnknown) {
		h.writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
		return
	}
	if err != nil {
		h.writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	h.writeJSON(w, http.StatusOK, languageInfo{Code: l.Code, Name: l.Name})
}

func (h *Handler) listModels(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, modelList{Backend: string(h.svc.Backend()), Models: h.svc.Models()})
}

func (h *Handler) downloadModel(w http.ResponseWriter, r *http.Request) {
	ignoreCache, _ := strconv.ParseBool(r.URL.Query().Get("ignore_cache"))
	p, err := h.svc.DownloadPipeline(service.Request{Model: r.PathValue("id"), ForceDownload: ignoreCache})
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go watchClose(conn, cancel)

	h.log.Info("model download started", "model", p.Descriptor().Variant, "ignore_cache", ignoreCache)
	h.stream(conn, p.DownloadModel(ctx), cancel)
}

func (h *Handler) transcribe(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p, err := h.svc.Pipeline(service.Request{
		Model:         q.Get("model"),
		Language:      q.Get("language"),
		SingleSegment: q.Get("single_segment") == "true",
	})
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxAudioBytes)

	kind, data, err := conn.ReadMessage()
	if err != nil {
		h.log.Warn("no audio received", "error", err)
		return
	}
	if kind != websocket.BinaryMessage || len(data) == 0 {
		closeWith(conn, websocket.CloseUnsupportedData, "expected one binary WAV message")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go watchClose(conn, cancel)

	h.log.Info("transcription started",
		"model_variant", p.Descriptor().Variant,
		"language", p.Language().Code,
		"bytes", len(data),
	)
	h.stream(conn, p.Transcribe(ctx, audio.Bytes(data)), cancel)
}

// stream writes every event of ch to conn. After a write failure the run is
// cancelled and the remaining events are discarded.
func (h *Handler) stream(conn *websocket.Conn, ch <-chan events.Event, cancel context.CancelFunc) {
	for ev := range ch {
		if ev.Kind == events.KindFailed {
			var perr *pipeline.Error
			if errors.As(ev.Err, &perr) {
				h.log.Warn("run failed", "stage", perr.Stage, "error", perr.Err)
			} else {
				h.log.Warn("run failed", "error", ev.Err)
			}
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(ev); err != nil {
			h.log.Info("client went away", "error", err)
			cancel()
			for range ch {
			}
			return
		}
	}
	closeWith(conn, websocket.CloseNormalClosure, "")
}

// watchClose cancels the run once the client closes the connection. Any
// further client message is ignored.
func watchClose(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func closeWith(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn("failed to write response", "error", err)
	}
}
