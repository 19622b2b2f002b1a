package ingestapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/tradewatch/internal/authmw"
	"github.com/linnemanlabs/tradewatch/internal/lookup"
	"github.com/linnemanlabs/tradewatch/internal/watch"
)

func (a *API) handleEvent(w http.ResponseWriter, r *http.Request) {
	var sub watch.Subject
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("tradewatch.subject.id", sub.ID),
		attribute.String("tradewatch.channel.id", sub.Source.ChannelID),
		attribute.Int("tradewatch.images", len(sub.Images)),
	)

	res, err := a.svc.Observe(r.Context(), &sub)
	if errors.Is(err, watch.ErrInvalidSubject) {
		writeError(w, http.StatusBadRequest, "subject_id is required")
		return
	}
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to observe event", "subject_id", sub.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	span.SetAttributes(attribute.Bool("tradewatch.skipped", res.Skipped))
	if res.Skipped {
		a.logger.Info(r.Context(), "event skipped",
			"subject_id", sub.ID,
			"reason", res.Reason,
			"principal", authmw.Principal(r.Context()),
		)
		writeJSON(w, http.StatusOK, res)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (a *API) handleReply(w http.ResponseWriter, r *http.Request) {
	var rep watch.Reply
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("tradewatch.reply.id", rep.ReplyID),
		attribute.String("tradewatch.strategy", string(rep.Strategy)),
	)

	res, err := a.svc.HandleReply(r.Context(), &rep)
	switch {
	case errors.Is(err, watch.ErrUnknownStrategy):
		writeError(w, http.StatusBadRequest, "unknown strategy")
		return
	case errors.Is(err, lookup.ErrInvalidPayload):
		writeError(w, http.StatusUnprocessableEntity, "unreadable reply payload")
		return
	case err != nil:
		a.logger.Error(r.Context(), err, "failed to handle reply", "reply_id", rep.ReplyID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	span.SetAttributes(attribute.Bool("tradewatch.reply.matched", res.Matched))
	writeJSON(w, http.StatusOK, res)
}

type seedRequest struct {
	SubjectIDs  []string `json:"subject_ids"`
	ExternalIDs []string `json:"external_ids"`
}

func (a *API) handleSeed(w http.ResponseWriter, r *http.Request) {
	var req seedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	subjects, external := a.svc.Seed(req.SubjectIDs, req.ExternalIDs)
	a.logger.Info(r.Context(), "ledger seeded",
		"subjects", subjects,
		"external_ids", external,
		"principal", authmw.Principal(r.Context()),
	)
	writeJSON(w, http.StatusOK, map[string]int{
		"subjects":     subjects,
		"external_ids": external,
	})
}
