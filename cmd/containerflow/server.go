package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/coldtrack/containerflow/pkg/ingest"
	"github.com/coldtrack/containerflow/pkg/pipeline"
	"github.com/coldtrack/containerflow/pkg/telemetry"
)

// maxPayloadBytes bounds one ingested payload. The wire format targets
// under 158 bytes; anything much larger is not a telemetry record.
const maxPayloadBytes = 4096

// Server exposes the ingestion, status and history endpoints over HTTP.
type Server struct {
	logger     zerolog.Logger
	pipeline   *pipeline.Service
	httpServer *http.Server
}

// NewServer creates the HTTP front for the pipeline.
func NewServer(addr string, p *pipeline.Service, logger zerolog.Logger) *Server {
	s := &Server{
		logger:   logger.With().Str("component", "HTTPServer").Logger(),
		pipeline: p,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/container-data", s.handleIngest)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/history", s.handleHistory)
	mux.HandleFunc("/healthz", s.handleHealthz)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start blocks serving HTTP until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("address", s.httpServer.Addr).Msg("Starting HTTP server.")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Error during HTTP server shutdown.")
	} else {
		s.logger.Info().Msg("HTTP server stopped.")
	}
}

type ingestResponse struct {
	Accepted             bool   `json:"accepted"`
	QueuePosition        int    `json:"queue_position,omitempty"`
	EstimatedNextFlushMs int64  `json:"estimated_next_flush_ms,omitempty"`
	Capacity             int    `json:"capacity,omitempty"`
	Error                string `json:"error,omitempty"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}
	if len(body) == 0 {
		http.Error(w, "empty payload", http.StatusBadRequest)
		return
	}

	receipt, err := s.pipeline.Dispatcher.Enqueue(body)
	if errors.Is(err, ingest.ErrQueueFull) {
		s.writeJSON(w, http.StatusTooManyRequests, ingestResponse{
			Accepted: false,
			Capacity: s.pipeline.Dispatcher.Status().Capacity,
			Error:    "queue full",
		})
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("Enqueue failed.")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusAccepted, ingestResponse{
		Accepted:             true,
		QueuePosition:        receipt.Position,
		EstimatedNextFlushMs: receipt.EstimatedNextDrainMillis,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.pipeline.Status())
}

type historyEntry struct {
	ContainerID     string             `json:"container_id"`
	TimestampMillis int64              `json:"timestamp_millis"`
	Record          telemetry.Document `json:"record"`
}

type historyResponse struct {
	Total   int64          `json:"total"`
	Entries []historyEntry `json:"entries"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	containerID := r.URL.Query().Get("container")
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	rows, err := s.pipeline.Persistence.History(r.Context(), containerID, limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("History query failed.")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	total, err := s.pipeline.Persistence.HistoryCount(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("History count failed.")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	entries := make([]historyEntry, 0, len(rows))
	for _, row := range rows {
		report, err := telemetry.Decode(row.Payload)
		if err != nil {
			// A row that fails to decode was corrupted after write; skip it
			// rather than failing the whole query.
			s.logger.Warn().Err(err).Str("container_id", row.ContainerID).Msg("Skipping undecodable history row.")
			continue
		}
		entries = append(entries, historyEntry{
			ContainerID:     row.ContainerID,
			TimestampMillis: row.TimestampMillis,
			Record:          report.Document(),
		})
	}
	s.writeJSON(w, http.StatusOK, historyResponse{Total: total, Entries: entries})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response.")
	}
}
