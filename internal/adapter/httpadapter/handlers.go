package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/couchcryptid/bloomwatch-service/internal/domain"
)

// statusClientClosedRequest is the non-standard status recorded when the
// caller went away before a response was written.
const statusClientClosedRequest = 499

type detectRequest struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

type recordResponse struct {
	Record domain.Observation `json:"record"`
}

type nearbyResponse struct {
	Count   int                  `json:"count"`
	Records []domain.Observation `json:"records"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())

	var req detectRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("%w: invalid request body", domain.ErrValidation))
		return
	}
	if req.Latitude == nil || req.Longitude == nil {
		s.writeError(w, fmt.Errorf("%w: latitude and longitude are required", domain.ErrValidation))
		return
	}

	obs, err := s.deps.Detector.Detect(r.Context(), domain.Coordinate{
		Longitude: *req.Longitude,
		Latitude:  *req.Latitude,
	}, principal)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, recordResponse{Record: obs})
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	lat, err := floatParam(q.Get("latitude"), q.Get("lat"), "latitude", true)
	if err != nil {
		s.writeError(w, err)
		return
	}
	lng, err := floatParam(q.Get("longitude"), q.Get("lng"), "longitude", true)
	if err != nil {
		s.writeError(w, err)
		return
	}
	radius, err := floatParam(q.Get("radiusMeters"), q.Get("radius"), "radiusMeters", false)
	if err != nil {
		s.writeError(w, err)
		return
	}
	limit, err := intParam(q.Get("limit"), "", "limit", 0)
	if err != nil {
		s.writeError(w, err)
		return
	}

	records, err := s.deps.Queries.Nearby(r.Context(), domain.Coordinate{Longitude: lng, Latitude: lat}, radius, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nearbyResponse{Count: len(records), Records: records})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())
	q := r.URL.Query()

	page, err := intParam(q.Get("page"), "", "page", 1)
	if err != nil {
		s.writeError(w, err)
		return
	}
	pageSize, err := intParam(q.Get("pageSize"), q.Get("per_page"), "pageSize", domain.DefaultPageSize)
	if err != nil {
		s.writeError(w, err)
		return
	}

	result, err := s.deps.Queries.List(r.Context(), principal, page, pageSize)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	obs, err := s.deps.Queries.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recordResponse{Record: obs})
}

// writeError maps domain errors onto HTTP statuses. Internal detail is only
// echoed back for validation failures.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		writeMessage(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeMessage(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		writeMessage(w, http.StatusBadGateway, "upstream service unavailable")
	case errors.Is(err, domain.ErrStorageUnavailable):
		writeMessage(w, http.StatusServiceUnavailable, "storage unavailable")
	case errors.Is(err, context.DeadlineExceeded):
		s.logger.Warn("request timed out", "error", err)
		writeMessage(w, http.StatusGatewayTimeout, "request timed out")
	case errors.Is(err, context.Canceled):
		s.logger.Debug("request canceled", "error", err)
		writeMessage(w, statusClientClosedRequest, "request canceled")
	default:
		s.logger.Error("request failed", "error", err)
		writeMessage(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// floatParam parses the first non-empty of primary and alias.
func floatParam(primary, alias, name string, required bool) (float64, error) {
	raw := primary
	if raw == "" {
		raw = alias
	}
	if raw == "" {
		if required {
			return 0, fmt.Errorf("%w: %s is required", domain.ErrValidation, name)
		}
		return 0, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be a number", domain.ErrValidation, name)
	}
	return v, nil
}

func intParam(primary, alias, name string, def int) (int, error) {
	raw := primary
	if raw == "" {
		raw = alias
	}
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", domain.ErrValidation, name)
	}
	return v, nil
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
