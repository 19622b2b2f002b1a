package watch

import (
	"context"
	"sort"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/tradewatch/internal/lookup"
	"github.com/linnemanlabs/tradewatch/internal/match"
)

// resolve applies a lookup result to the flow that owns it.
func (s *Service) resolve(ctx context.Context, f *flow, ext lookup.Extraction) {
	ctx, span := tracer.Start(ctx, "watch.resolve",
		trace.WithAttributes(
			attribute.String("tradewatch.subject.id", f.subject.ID),
			attribute.String("tradewatch.run.id", f.res.ID),
			attribute.String("tradewatch.strategy", string(f.strategy)),
			attribute.String("tradewatch.external.id", ext.ExternalID),
		),
	)
	defer span.End()

	if ext.ExternalID == "" {
		s.noResult(ctx, f, "no external id")
		return
	}
	f.res.ExternalID = ext.ExternalID

	if s.ledger.IsAlerted(ext.ExternalID) {
		s.finish(ctx, f, OutcomeDroppedDuplicate, "external id already alerted")
		return
	}

	var (
		valuation int64
		avatar    string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		valuation = s.enricher.FetchValuation(gctx, ext.ExternalID)
		return nil
	})
	g.Go(func() error {
		avatar = s.enricher.FetchAvatar(gctx, ext.ExternalID)
		return nil
	})
	_ = g.Wait()

	f.res.Valuation = valuation
	f.avatar = avatar
	span.SetAttributes(attribute.Int64("tradewatch.valuation", valuation))

	if valuation >= s.matcher.Threshold() {
		s.emit(ctx, f, AlertLookup, nil, "")
		return
	}

	f.logger.Info(ctx, "valuation below threshold",
		"external_id", ext.ExternalID,
		"valuation", valuation,
		"threshold", s.matcher.Threshold(),
	)
	if f.strategy == StrategyPrimary && s.secondary != nil {
		s.dispatch(ctx, f, StrategySecondary)
		return
	}
	s.aiFallback(ctx, f, "valuation below threshold")
}

// noResult handles a lookup that produced no usable answer.
func (s *Service) noResult(ctx context.Context, f *flow, reason string) {
	if f.strategy == StrategyPrimary && s.secondary != nil {
		f.logger.Info(ctx, "escalating to secondary lookup", "reason", reason)
		s.dispatch(ctx, f, StrategySecondary)
		return
	}
	s.aiFallback(ctx, f, reason)
}

// aiFallback looks for valuable items in the subject's images and text.
// Qualifying items alert. When nothing qualifies, a run that saw
// sub-threshold items or a positive account valuation terminates as
// dropped_below_threshold; only a run with no evidence at all is
// dropped_no_items.
func (s *Service) aiFallback(ctx context.Context, f *flow, reason string) {
	f.res.State = StateAIFallback
	f.res.Reason = reason
	s.persist(ctx, f)

	ctx, span := tracer.Start(ctx, "watch.ai_fallback",
		trace.WithAttributes(
			attribute.String("tradewatch.subject.id", f.subject.ID),
			attribute.String("tradewatch.run.id", f.res.ID),
			attribute.String("tradewatch.fallback.reason", reason),
			attribute.Int("tradewatch.images", len(f.subject.Images)),
		),
	)
	defer span.End()

	if s.router.BuyerIntent(f.subject.Text) {
		s.finish(ctx, f, OutcomeDroppedNoItems, "buyer intent")
		return
	}

	items, below := s.analyze(ctx, f)
	span.SetAttributes(attribute.Int("tradewatch.items", len(items)))

	if len(items) > 0 {
		thumb := s.enricher.FetchThumbnail(ctx, items[0].ID)
		s.emit(ctx, f, AlertAI, items, thumb)
		return
	}
	if below || f.res.Valuation > 0 {
		s.finish(ctx, f, OutcomeDroppedBelowThreshold, "only sub-threshold evidence")
		return
	}
	s.finish(ctx, f, OutcomeDroppedNoItems, "no items found")
}

// analyze runs vision over the images and a mention scan over the text. It
// returns qualifying items sorted by value and whether any sub-threshold
// item was seen.
func (s *Service) analyze(ctx context.Context, f *flow) ([]match.Item, bool) {
	var detections []match.Detection
	if s.vision != nil && len(f.subject.Images) > 0 {
		perImage := make([][]match.Detection, len(f.subject.Images))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(imageConcurrency)
		for i, url := range f.subject.Images {
			g.Go(func() error {
				perImage[i] = s.analyzeImage(gctx, f, url)
				return nil
			})
		}
		_ = g.Wait()
		for _, d := range perImage {
			detections = append(detections, d...)
		}
	}

	found := s.matcher.MatchAndFilter(detections)
	below := len(found) == 0 && anyResolved(s.matcher, detections)

	mentions := s.matcher.FindAllMentions(f.subject.Text)
	if len(mentions.Below) > 0 {
		below = true
	}

	seen := make(map[string]struct{}, len(found)+len(mentions.Above))
	var items []match.Item
	for _, it := range append(found, mentions.Above...) {
		if _, dup := seen[it.ID]; dup {
			continue
		}
		seen[it.ID] = struct{}{}
		items = append(items, it)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Value > items[j].Value })
	return items, below
}

func (s *Service) analyzeImage(ctx context.Context, f *flow, url string) []match.Detection {
	img, err := s.vision.Fetch(ctx, url)
	if err != nil {
		f.logger.Warn(ctx, "image fetch failed", "url", url, "error", err.Error())
		return nil
	}
	ok, err := s.vision.IsRelevant(ctx, img)
	if err != nil {
		f.logger.Warn(ctx, "relevance check failed", "url", url, "error", err.Error())
		return nil
	}
	if !ok {
		return nil
	}
	dets, err := s.vision.ExtractEntities(ctx, img)
	if err != nil {
		f.logger.Warn(ctx, "item extraction failed", "url", url, "error", err.Error())
		return nil
	}
	return dets
}

func anyResolved(m *match.Matcher, detections []match.Detection) bool {
	for _, d := range detections {
		if _, ok := m.MatchOne(d.Name); ok {
			return true
		}
	}
	return false
}

// emit claims the flow's external id and delivers an alert. A delivery
// failure is logged; the run is still alerted.
func (s *Service) emit(ctx context.Context, f *flow, kind AlertKind, items []match.Item, thumbnail string) {
	if !s.ledger.ClaimAlert(f.res.ExternalID) {
		s.finish(ctx, f, OutcomeDroppedDuplicate, "external id already alerted")
		return
	}

	al := &Alert{
		ID:           ulid.Make().String(),
		Kind:         kind,
		Subject:      *f.subject,
		ExternalID:   f.res.ExternalID,
		Valuation:    f.res.Valuation,
		AvatarURL:    f.avatar,
		ThumbnailURL: thumbnail,
		Items:        items,
		CreatedAt:    s.now(),
	}

	ctx, span := tracer.Start(ctx, "watch.emit",
		trace.WithAttributes(
			attribute.String("tradewatch.alert.id", al.ID),
			attribute.String("tradewatch.alert.kind", string(kind)),
			attribute.String("tradewatch.subject.id", f.subject.ID),
		),
	)
	err := s.sink.Emit(ctx, al)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delivery failed")
		f.logger.Error(ctx, err, "alert delivery failed", "alert_id", al.ID, "kind", kind)
	}
	span.End()
	if s.hooks.OnDelivery != nil {
		s.hooks.OnDelivery(kind, err)
	}

	f.res.AlertID = al.ID
	f.res.AlertKind = kind
	f.res.Items = items
	s.finish(ctx, f, OutcomeAlerted, "")
}

// finish moves the flow to terminal. Only the first call has any effect.
func (s *Service) finish(ctx context.Context, f *flow, outcome Outcome, reason string) {
	f.once.Do(func() {
		s.table.Remove(f.subject.ID)
		s.ledger.CommitExternal(f.res.ExternalID)
		s.ledger.MarkHandled(f.subject.ID)

		now := s.now()
		f.res.State = StateTerminal
		f.res.Outcome = outcome
		if reason != "" {
			f.res.Reason = reason
		}
		f.res.CompletedAt = now
		f.res.Duration = now.Sub(f.started).Seconds()
		s.persist(ctx, f)

		if s.hooks.OnComplete != nil {
			s.hooks.OnComplete(&CompleteEvent{
				Outcome:    outcome,
				AlertKind:  f.res.AlertKind,
				Strategies: len(f.res.Strategies),
				Duration:   f.res.Duration,
			})
		}
		f.logger.Info(ctx, "subject resolved",
			"outcome", outcome,
			"reason", f.res.Reason,
			"external_id", f.res.ExternalID,
			"valuation", f.res.Valuation,
			"alert_id", f.res.AlertID,
			"duration", f.res.Duration,
		)
	})
}
