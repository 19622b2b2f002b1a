// Package ingestapi exposes the HTTP surface the transport bridge and
// operators talk to: event and reply ingestion, ledger seeding and status.
package ingestapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/tradewatch/internal/catalog"
	"github.com/linnemanlabs/tradewatch/internal/match"
	"github.com/linnemanlabs/tradewatch/internal/watch"
)

// WatchService defines the engine operations the API needs.
type WatchService interface {
	Observe(ctx context.Context, sub *watch.Subject) (*watch.ObserveResult, error)
	HandleReply(ctx context.Context, r *watch.Reply) (*watch.ReplyResult, error)
	Seed(subjectIDs, externalIDs []string) (subjects, external int)
	Subject(ctx context.Context, subjectID string) (*watch.SubjectView, error)
	Resolution(ctx context.Context, id string) (*watch.Resolution, bool, error)
	Stats() watch.Stats
}

// Matcher is the catalog probe used by the match endpoints.
type Matcher interface {
	MatchOne(name string) (catalog.Entry, bool)
	FindAllMentions(text string) match.Mentions
	Threshold() int64
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger  log.Logger
	svc     WatchService
	matcher Matcher
}

// New creates a new API handler. matcher may be nil, which disables the
// catalog routes.
func New(logger log.Logger, svc WatchService, matcher Matcher) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("watch service is required"))
	}
	return &API{
		logger:  logger,
		svc:     svc,
		matcher: matcher,
	}
}

// RegisterRoutes attaches API endpoints to the router. Extra middleware
// (auth) applies only to the /api/v1 group.
func (a *API) RegisterRoutes(r chi.Router, mw ...func(http.Handler) http.Handler) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(mw...)
		r.Post("/events", a.handleEvent)
		r.Post("/replies", a.handleReply)
		r.Post("/ledger/seed", a.handleSeed)
		r.Get("/subjects/{id}", a.handleGetSubject)
		r.Get("/resolutions/{id}", a.handleGetResolution)
		r.Get("/stats", a.handleStats)
		if a.matcher != nil {
			r.Get("/catalog/match", a.handleCatalogMatch)
			r.Get("/catalog/mentions", a.handleCatalogMentions)
		}
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
