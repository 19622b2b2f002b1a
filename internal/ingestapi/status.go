package ingestapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/tradewatch/internal/catalog"
)

func (a *API) handleGetSubject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("tradewatch.subject.id", id))

	view, err := a.svc.Subject(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get subject", "subject_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleGetResolution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("tradewatch.run.id", id))

	res, ok, err := a.svc.Resolution(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get resolution", "id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	span.SetAttributes(attribute.String("tradewatch.run.state", string(res.State)))
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.Stats())
}

type matchResponse struct {
	Query     string         `json:"query"`
	Entry     *catalog.Entry `json:"entry,omitempty"`
	Value     int64          `json:"value,omitempty"`
	Threshold int64          `json:"threshold"`
	Above     bool           `json:"above_threshold"`
}

func (a *API) handleCatalogMatch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}

	resp := matchResponse{Query: q, Threshold: a.matcher.Threshold()}
	e, ok := a.matcher.MatchOne(q)
	if !ok {
		writeJSON(w, http.StatusNotFound, resp)
		return
	}
	resp.Entry = &e
	resp.Value = e.Value()
	resp.Above = resp.Value >= resp.Threshold
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCatalogMentions(w http.ResponseWriter, r *http.Request) {
	text := r.URL.Query().Get("text")
	if strings.TrimSpace(text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	writeJSON(w, http.StatusOK, a.matcher.FindAllMentions(text))
}
