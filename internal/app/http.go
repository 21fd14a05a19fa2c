package app

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gct-tools/bb-contrib/internal/contrib"
	"github.com/gct-tools/bb-contrib/internal/export"
	"github.com/gct-tools/bb-contrib/internal/telemetry"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const dateOnlyLayout = "2006-01-02"

// NewHTTPHandler wires the API, metrics, and health endpoints on a single mux.
func NewHTTPHandler(runtime *Runtime, metricsHandler http.Handler, healthHandler http.Handler) http.Handler {
	router := chi.NewRouter()
	traceMode := telemetry.TraceMode()
	router.Method(http.MethodPost, "/api/refresh", wrapHTTPHandler(traceMode, "refresh", http.HandlerFunc(runtime.handleRefresh)))
	router.Method(http.MethodGet, "/api/refresh/status", wrapHTTPHandler(traceMode, "refresh_status", http.HandlerFunc(runtime.handleRefreshStatus)))
	router.Method(http.MethodGet, "/api/commits", wrapHTTPHandler(traceMode, "commits", http.HandlerFunc(runtime.handleCommits)))
	router.Method(http.MethodGet, "/api/commits/export", wrapHTTPHandler(traceMode, "commits_export", http.HandlerFunc(runtime.handleCommitsExport)))
	router.Handle("/metrics", wrapHTTPHandler(traceMode, "metrics", metricsHandler))
	router.Handle("/livez", wrapHTTPHandler(traceMode, "livez", healthHandler))
	router.Handle("/readyz", wrapHTTPHandler(traceMode, "readyz", healthHandler))
	router.Handle("/healthz", wrapHTTPHandler(traceMode, "healthz", healthHandler))
	return router
}

func (r *Runtime) handleRefresh(w http.ResponseWriter, req *http.Request) {
	result, err := r.StartRefresh(req.Context())
	if err != nil {
		r.logger.Error("refresh trigger failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "refresh trigger failed")
		return
	}
	status := http.StatusAccepted
	if !result.Accepted {
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, result)
}

func (r *Runtime) handleRefreshStatus(w http.ResponseWriter, req *http.Request) {
	status, err := r.RefreshStatus(req.Context())
	if err != nil {
		r.logger.Error("refresh status lookup failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "refresh status lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (r *Runtime) handleCommits(w http.ResponseWriter, req *http.Request) {
	commits, ok := r.queryFromRequest(w, req)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, commits)
}

func (r *Runtime) handleCommitsExport(w http.ResponseWriter, req *http.Request) {
	commits, ok := r.queryFromRequest(w, req)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="commits.csv"`)
	if err := export.WriteCSV(w, commits); err != nil {
		r.logger.Warn("csv export failed mid-stream", zap.Error(err))
	}
}

// queryFromRequest parses the shared commit-query parameters and runs the
// filter. It writes the error response itself and reports ok=false when the
// request is malformed.
func (r *Runtime) queryFromRequest(w http.ResponseWriter, req *http.Request) ([]contrib.Commit, bool) {
	query := req.URL.Query()

	identifiers := splitIdentifiers(query.Get("identifiers"))
	if len(identifiers) == 0 {
		writeJSONError(w, http.StatusBadRequest, "identifiers query parameter is required")
		return nil, false
	}

	start, err := parseTimeParam(query.Get("start"), false)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	end, err := parseTimeParam(query.Get("end"), true)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}

	defaultBranchOnly := false
	if raw := query.Get("default_branch_only"); raw != "" {
		defaultBranchOnly, err = strconv.ParseBool(raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "default_branch_only must be a boolean")
			return nil, false
		}
	}

	commits, err := r.QueryCommits(req.Context(), identifiers, start, end, defaultBranchOnly)
	if err != nil {
		r.logger.Error("commit query failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "commit query failed")
		return nil, false
	}
	return commits, true
}

func splitIdentifiers(raw string) []string {
	var identifiers []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			identifiers = append(identifiers, trimmed)
		}
	}
	return identifiers
}

// parseTimeParam accepts either the full cache time layout or a bare date.
// A bare end date is widened to the end of that day so the range stays
// inclusive.
func parseTimeParam(raw string, endOfDay bool) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, nil
	}
	if parsed, err := contrib.ParseTime(trimmed); err == nil {
		return parsed, nil
	}
	parsed, err := time.ParseInLocation(dateOnlyLayout, trimmed, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: use %q or %q", raw, contrib.TimeLayout, dateOnlyLayout)
	}
	if endOfDay {
		parsed = parsed.AddDate(0, 0, 1).Add(-time.Second)
	}
	return parsed, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "encode response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		return
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	payload, _ := json.Marshal(map[string]string{"error": message})
	if _, err := w.Write(payload); err != nil {
		return
	}
}

func wrapHTTPHandler(traceMode, route string, handler http.Handler) http.Handler {
	if handler == nil {
		handler = http.NotFoundHandler()
	}
	if strings.EqualFold(strings.TrimSpace(traceMode), "off") {
		return handler
	}

	operation := strings.TrimSpace(route)
	if operation == "" {
		operation = "handler"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := otel.Tracer("bb-contrib/internal/app").Start(
			r.Context(),
			"http.server."+operation,
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			),
		)
		defer span.End()

		recorder := &statusCapturingResponseWriter{
			ResponseWriter: w,
			status:         http.StatusOK,
		}
		handler.ServeHTTP(recorder, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", recorder.status))
		if recorder.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(recorder.status))
			return
		}
		span.SetStatus(codes.Ok, "request completed")
	})
}

type statusCapturingResponseWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusCapturingResponseWriter) WriteHeader(statusCode int) {
	w.status = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
