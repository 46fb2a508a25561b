package http

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"allowance/internal/core"
)

type categoryLimitResponse struct {
	Name string `json:"name"`
	Cap  string `json:"cap,omitempty"`
}

type limitEntryResponse struct {
	Date       string                  `json:"date"`
	Limit      string                  `json:"limit"`
	Categories []categoryLimitResponse `json:"categories,omitempty"`
	Active     bool                    `json:"active"`
}

func toCalendarResponse(calendar core.LimitCalendar) map[string]limitEntryResponse {
	out := make(map[string]limitEntryResponse, len(calendar))
	for date, entry := range calendar {
		resp := limitEntryResponse{
			Date:   date,
			Limit:  entry.Amount.String(),
			Active: entry.Active,
		}
		for _, c := range entry.Categories {
			cat := categoryLimitResponse{Name: c.Name}
			if c.Cap.Cents > 0 {
				cat.Cap = c.Cap.String()
			}
			resp.Categories = append(resp.Categories, cat)
		}
		out[date] = resp
	}
	return out
}

// handleLimits serves /api/limits/{dependentId}: GET returns the full
// calendar, POST upserts one entry. Upserts accept both the calendar
// entry shape and the legacy {fecha, limite, categorias} shape.
func (s *Server) handleLimits(w http.ResponseWriter, r *http.Request) {
	dependentID := pathTail(r, "/api/limits/")
	if dependentID == "" || strings.Contains(dependentID, "/") {
		writeError(w, http.StatusNotFound, "not_found", "missing dependent id")
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.getLimitCalendar(w, r, dependentID)
	case http.MethodPost, http.MethodPut:
		s.upsertLimits(w, r, dependentID)
	default:
		methodNotAllowed(w, "GET, POST, PUT")
	}
}

func (s *Server) getLimitCalendar(w http.ResponseWriter, r *http.Request, dependentID string) {
	if calendar, ok := s.calendarCache.Get(dependentID); ok {
		writeJSON(w, http.StatusOK, toCalendarResponse(calendar))
		return
	}

	calendar, err := s.store.GetLimitCalendar(r.Context(), dependentID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.calendarCache.Set(dependentID, calendar)
	writeJSON(w, http.StatusOK, toCalendarResponse(calendar))
}

func (s *Server) upsertLimits(w http.ResponseWriter, r *http.Request, dependentID string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return
	}

	calendar, err := core.NormalizeLimitCalendar(body)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_limit", err.Error())
		return
	}
	if len(calendar) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "invalid_limit", "no limit entries in payload")
		return
	}

	now := time.Now().UTC()
	for _, entry := range calendar {
		if err := s.store.UpsertLimit(r.Context(), dependentID, entry, now); err != nil {
			if errors.Is(err, core.ErrUnknownDependent) {
				writeDomainError(w, err)
				return
			}
			writeError(w, http.StatusUnprocessableEntity, "invalid_limit", err.Error())
			return
		}
	}
	s.calendarCache.Delete(dependentID)

	updated, err := s.store.GetLimitCalendar(r.Context(), dependentID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.calendarCache.Set(dependentID, updated)
	writeJSON(w, http.StatusOK, toCalendarResponse(updated))
}
