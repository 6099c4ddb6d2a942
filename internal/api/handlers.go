package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/cerberus/internal/analysis"
	"github.com/lvonguyen/cerberus/internal/repository"
)

const maxBodyBytes = 1 << 20

// AnalysisRequest is the body of the analyze endpoints.
type AnalysisRequest struct {
	IPAddress string `json:"ip_address"`
}

// exportPayload is an analysis stamped with its export time.
type exportPayload struct {
	*analysis.Result
	GeneratedAt string `json:"generated_at"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Health and readiness handlers

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Welcome to the Cerberus Threat Intelligence Correlation Engine API",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "Cerberus TICE",
		"version": s.config.Version,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Analysis handlers

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	res, ok := s.analyze(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	res, ok := s.analyze(w, r)
	if !ok {
		return
	}

	data, err := json.MarshalIndent(exportPayload{
		Result:      res,
		GeneratedAt: s.clock().UTC().Format("2006-01-02T15:04:05.000000Z"),
	}, "", "  ")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode export")
		return
	}

	filename := strings.ReplaceAll(res.IPAddress, ".", "_") + "_analysis.json"
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// analyze decodes the request and runs the analysis, writing the error
// response itself when it returns false.
func (s *Server) analyze(w http.ResponseWriter, r *http.Request) (*analysis.Result, bool) {
	var req AnalysisRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}

	res, err := s.analyzer.Analyze(r.Context(), req.IPAddress)
	switch {
	case err == nil:
		return res, true
	case errors.Is(err, analysis.ErrInvalidIP):
		writeError(w, http.StatusBadRequest, "Invalid IP address format")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "analysis timed out")
	default:
		s.logger.Error("Analysis failed", zap.String("ip", req.IPAddress), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "analysis failed")
	}
	return nil, false
}

// Report handlers

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", repository.DefaultRecentLimit, 1, repository.MaxRecentLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	reports, err := s.store.GetRecent(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to read recent reports", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read reports")
		return
	}
	if reports == nil {
		reports = []repository.StoredReport{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": reports})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	hours, err := intParam(r, "hours", repository.DefaultStatsWindow, 1, repository.MaxStatsWindow)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	stats, err := s.store.GetStats(r.Context(), hours)
	if err != nil {
		s.logger.Error("Failed to compute stats", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// intParam reads an optional integer query parameter bounded to [lo, hi].
func intParam(r *http.Request, name string, def, lo, hi int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < lo || v > hi {
		return 0, fmt.Errorf("%s must be an integer between %d and %d", name, lo, hi)
	}
	return v, nil
}
