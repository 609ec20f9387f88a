package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"kbsearch/config"
)

// Version is reported by the capability listing.
const Version = "1.0.0"

// ChunkRetriever is the slice of the knowledge client the proxy needs.
type ChunkRetriever interface {
	RetrieveChunks(ctx context.Context, q string) (json.RawMessage, error)
}

// App bundles runtime dependencies for the proxy service.
type App struct {
	Config  config.Config
	Logger  *slog.Logger
	Chunks  ChunkRetriever
	Started time.Time

	now func() time.Time
}

// NewApp wires the proxy from configuration and an authenticated retriever.
func NewApp(cfg config.Config, chunks ChunkRetriever, logger *slog.Logger) *App {
	return &App{
		Config:  cfg,
		Logger:  logger,
		Chunks:  chunks,
		Started: time.Now(),
		now:     time.Now,
	}
}

type envelope struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp string          `json:"timestamp"`
}

type healthResponse struct {
	Status    string  `json:"status"`
	Timestamp string  `json:"timestamp"`
	Uptime    float64 `json:"uptime"`
}

type indexResponse struct {
	Message   string            `json:"message"`
	Version   string            `json:"version"`
	Endpoints map[string]string `json:"endpoints"`
}

func (a *App) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, indexResponse{
		Message: "Knowledge search proxy",
		Version: Version,
		Endpoints: map[string]string{
			"GET /health": "Health check",
			"GET /chunks": "Get chunks",
		},
	})
}

// handleHealth never touches the upstream API.
func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	now := a.now()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "OK",
		Timestamp: timestamp(now),
		Uptime:    now.Sub(a.Started).Seconds(),
	})
}

func (a *App) handleChunks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")

	data, err := a.Chunks.RetrieveChunks(r.Context(), q)
	if err != nil {
		a.Logger.Error("Error fetching chunks", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeFailure(w, http.StatusInternalServerError, failureMessage(err), a.now())
		return
	}

	writeJSON(w, http.StatusOK, envelope{
		Success:   true,
		Data:      data,
		Timestamp: timestamp(a.now()),
	})
}

func (a *App) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeFailure(w, http.StatusNotFound, "Endpoint not found", a.now())
}

func writeFailure(w http.ResponseWriter, status int, msg string, now time.Time) {
	writeJSON(w, status, envelope{
		Success:   false,
		Error:     msg,
		Timestamp: timestamp(now),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// timestamp renders t as ISO-8601 UTC with millisecond precision.
func timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

func failureMessage(err error) string {
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		return "Failed to retrieve chunks"
	}
	return msg
}
