package watch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/tradewatch/internal/correlate"
	"github.com/linnemanlabs/tradewatch/internal/ledger"
	"github.com/linnemanlabs/tradewatch/internal/lookup"
	"github.com/linnemanlabs/tradewatch/internal/match"
)

var tracer = otel.Tracer("github.com/linnemanlabs/tradewatch/internal/watch")

const (
	DefaultPendingTTL    = 10 * time.Minute
	DefaultSweepInterval = 30 * time.Second

	// imageConcurrency bounds vision calls per subject.
	imageConcurrency = 4
)

var (
	ErrInvalidSubject  = errors.New("subject id is required")
	ErrUnknownStrategy = errors.New("unknown lookup strategy")
)

// Options wires a Service. Router, Matcher, Ledger, Primary, Enricher, Sink
// and Store are required.
type Options struct {
	Router    *Router
	Matcher   *match.Matcher
	Ledger    *ledger.Ledger
	Primary   StrategyConfig
	Secondary *StrategyConfig // nil disables the second lookup
	Enricher  Enricher
	Vision    Vision // nil skips image analysis
	Sink      AlertSink
	Store     Store

	// PendingTTL is how long a lookup may stay unanswered. Zero disables expiry.
	PendingTTL    time.Duration
	SweepInterval time.Duration
}

// CompleteEvent is passed to Hooks.OnComplete when a run reaches terminal.
type CompleteEvent struct {
	Outcome    Outcome
	AlertKind  AlertKind
	Strategies int
	Duration   float64
}

// Hooks are optional callbacks for metrics. Nil fields are skipped.
type Hooks struct {
	OnObserve  func(result string)
	OnDispatch func(strategy Strategy, err error)
	OnReply    func(strategy Strategy, result string)
	OnExpire   func(strategy Strategy)
	OnComplete func(e *CompleteEvent)
	OnDelivery func(kind AlertKind, err error)
}

// ObserveResult is the outcome of admitting an event.
type ObserveResult struct {
	RunID   string `json:"run_id,omitempty"`
	Skipped bool   `json:"skipped"`
	Reason  string `json:"reason,omitempty"`
}

// ReplyResult is the outcome of correlating a lookup reply.
type ReplyResult struct {
	Matched   bool   `json:"matched"`
	SubjectID string `json:"subject_id,omitempty"`
	Deferred  bool   `json:"deferred,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// PendingView is a pending lookup as seen from outside.
type PendingView struct {
	Lane         correlate.Lane `json:"lane"`
	DispatchedAt time.Time      `json:"dispatched_at"`
}

// SubjectView is everything known about one subject.
type SubjectView struct {
	SubjectID  string               `json:"subject_id"`
	Ledger     ledger.SubjectStatus `json:"ledger"`
	Pending    *PendingView         `json:"pending,omitempty"`
	Resolution *Resolution          `json:"resolution,omitempty"`
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Ledger  ledger.Stats         `json:"ledger"`
	Pending int                  `json:"pending"`
	Bound   int                  `json:"bound"`
	Lanes   []correlate.LaneStat `json:"lanes"`
}

// flow is the per-run state. Whoever removed it from the table owns it.
type flow struct {
	subject  *Subject
	strategy Strategy
	started  time.Time
	avatar   string
	res      *Resolution
	once     sync.Once
	logger   log.Logger
}

// Service is the business boundary for the watch engine.
type Service struct {
	router    *Router
	matcher   *match.Matcher
	ledger    *ledger.Ledger
	primary   StrategyConfig
	secondary *StrategyConfig
	enricher  Enricher
	vision    Vision
	sink      AlertSink
	store     Store
	table     *correlate.Table[*flow]
	ttl       time.Duration
	sweep     time.Duration
	logger    log.Logger
	hooks     Hooks
	wg        sync.WaitGroup
	now       func() time.Time
}

// NewService creates a Service. It panics on missing required options.
func NewService(opts Options, logger log.Logger, hooks Hooks) *Service {
	switch {
	case opts.Router == nil, opts.Matcher == nil, opts.Ledger == nil:
		panic(xerrors.New("watch: router, matcher and ledger are required"))
	case opts.Primary.Dispatcher == nil, opts.Primary.Extractor == nil:
		panic(xerrors.New("watch: primary strategy is incomplete"))
	case opts.Secondary != nil && (opts.Secondary.Dispatcher == nil || opts.Secondary.Extractor == nil):
		panic(xerrors.New("watch: secondary strategy is incomplete"))
	case opts.Enricher == nil, opts.Sink == nil, opts.Store == nil:
		panic(xerrors.New("watch: enricher, sink and store are required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	sweep := opts.SweepInterval
	if sweep <= 0 {
		sweep = DefaultSweepInterval
	}
	return &Service{
		router:    opts.Router,
		matcher:   opts.Matcher,
		ledger:    opts.Ledger,
		primary:   opts.Primary,
		secondary: opts.Secondary,
		enricher:  opts.Enricher,
		vision:    opts.Vision,
		sink:      opts.Sink,
		store:     opts.Store,
		table:     correlate.NewTable[*flow](),
		ttl:       opts.PendingTTL,
		sweep:     sweep,
		logger:    logger,
		hooks:     hooks,
		now:       time.Now,
	}
}

// Observe admits an event and starts its lookup chain in the background.
func (s *Service) Observe(ctx context.Context, sub *Subject) (*ObserveResult, error) {
	if sub == nil || strings.TrimSpace(sub.ID) == "" {
		return nil, ErrInvalidSubject
	}

	skip := func(reason string) (*ObserveResult, error) {
		s.observed(reason)
		return &ObserveResult{Skipped: true, Reason: reason}, nil
	}
	if sub.Bot {
		return skip("bot author")
	}
	if s.router.Blocked(sub.ID) {
		return skip("blocked author")
	}
	queue, ok := s.router.Route(sub)
	if !ok {
		return skip("unroutable")
	}
	switch s.ledger.Admit(sub.ID) {
	case ledger.AlreadyHandled:
		return skip("already handled")
	case ledger.InFlight:
		return skip("in flight")
	}

	cp := *sub
	cp.Images = append([]string(nil), sub.Images...)
	cp.Queue = queue

	runID := ulid.Make().String()
	f := &flow{
		subject: &cp,
		started: s.now(),
		logger:  s.logger.With("subject_id", cp.ID, "run_id", runID, "queue", queue),
		res: &Resolution{
			ID:         runID,
			SubjectID:  cp.ID,
			DisplayTag: cp.DisplayTag,
			Queue:      queue,
			Source:     cp.Source,
			State:      StateNew,
			CreatedAt:  s.now(),
		},
	}
	s.persist(ctx, f)
	s.observed("admitted")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.dispatch(context.WithoutCancel(ctx), f, StrategyPrimary)
	}()

	return &ObserveResult{RunID: runID}, nil
}

// HandleReply correlates a lookup reply with a pending subject and continues
// that subject's run in the background. Replies that match nothing are not
// errors; they come back with Matched false.
func (s *Service) HandleReply(ctx context.Context, r *Reply) (*ReplyResult, error) {
	sc := s.strategyConfig(r.Strategy)
	if sc == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, r.Strategy)
	}
	ext, err := sc.Extractor.Extract(r.Payload)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "watch.reply",
		trace.WithAttributes(
			attribute.String("tradewatch.reply.id", r.ReplyID),
			attribute.String("tradewatch.strategy", string(r.Strategy)),
			attribute.String("tradewatch.queue", r.Queue),
			attribute.Bool("tradewatch.reply.updated", r.Updated),
		),
	)
	defer span.End()

	e, reason := s.correlate(r, ext)
	if e == nil {
		span.SetAttributes(attribute.String("tradewatch.reply.miss", reason))
		s.replied(r.Strategy, "miss")
		s.logger.Warn(ctx, "correlation miss",
			"reply_id", r.ReplyID,
			"queue", r.Queue,
			"strategy", r.Strategy,
			"reason", reason,
		)
		return &ReplyResult{Reason: reason}, nil
	}

	f := e.Value
	span.SetAttributes(
		attribute.String("tradewatch.subject.id", f.subject.ID),
		attribute.String("tradewatch.run.id", f.res.ID),
	)

	if ext.Deferred {
		if f.strategy == StrategyPrimary {
			f.res.State = StateAwaitingPrimaryRetry
			s.persist(ctx, f)
		}
		if err := s.table.Bind(r.ReplyID, e); err == nil {
			s.replied(r.Strategy, "deferred")
			f.logger.Info(ctx, "lookup reply deferred", "reply_id", r.ReplyID)
			return &ReplyResult{Matched: true, SubjectID: f.subject.ID, Deferred: true}, nil
		}
		// the reply id is already taken; nothing will resume this entry
		s.replied(r.Strategy, "miss")
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.noResult(context.WithoutCancel(ctx), f, "deferred reply could not be bound")
		}()
		return &ReplyResult{Matched: true, SubjectID: f.subject.ID, Reason: "reply id already bound"}, nil
	}

	s.replied(r.Strategy, "matched")
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.resolve(context.WithoutCancel(ctx), f, ext)
	}()
	return &ReplyResult{Matched: true, SubjectID: f.subject.ID}, nil
}

// correlate removes the entry a reply belongs to. It returns nil and a
// reason on a miss.
func (s *Service) correlate(r *Reply, ext lookup.Extraction) (*correlate.Entry[*flow], string) {
	if r.Updated {
		e, ok := s.table.TakeBound(r.ReplyID)
		if !ok {
			return nil, "edit of unbound reply"
		}
		return e, ""
	}

	lane := correlate.Lane{Queue: r.Queue, Strategy: string(r.Strategy)}
	switch {
	case ext.SubjectKey != "":
		e, ok := s.table.DequeueByAttribute(lane, func(e *correlate.Entry[*flow]) bool {
			return e.SubjectID == ext.SubjectKey
		})
		if !ok {
			return nil, "no pending subject for key"
		}
		return e, ""
	case ext.DisplayTag != "":
		if e, ok := s.table.DequeueByAttribute(lane, func(e *correlate.Entry[*flow]) bool {
			return strings.EqualFold(e.Value.subject.DisplayTag, ext.DisplayTag)
		}); ok {
			return e, ""
		}
	}
	e, ok := s.table.DequeueFIFO(lane)
	if !ok {
		return nil, "no pending request"
	}
	return e, ""
}

// dispatch enqueues f on the lane for strat and sends the lookup command.
// The caller must own f.
func (s *Service) dispatch(ctx context.Context, f *flow, strat Strategy) {
	sc := s.strategyConfig(strat)
	lane := correlate.Lane{Queue: f.subject.Queue, Strategy: string(strat)}

	f.strategy = strat
	f.res.Strategies = append(f.res.Strategies, strat)
	f.res.State = StateAwaitingPrimary
	if strat == StrategySecondary {
		f.res.State = StateAwaitingSecondary
	}
	s.persist(ctx, f)

	ctx, span := tracer.Start(ctx, "watch.dispatch",
		trace.WithAttributes(
			attribute.String("tradewatch.subject.id", f.subject.ID),
			attribute.String("tradewatch.run.id", f.res.ID),
			attribute.String("tradewatch.lane", lane.String()),
		),
	)
	defer span.End()

	entry, err := s.table.Enqueue(lane, f.subject.ID, f)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "enqueue failed")
		f.logger.Error(ctx, err, "enqueue failed", "strategy", strat)
		s.aiFallback(ctx, f, "enqueue failed")
		return
	}

	err = sc.Dispatcher.Dispatch(ctx, lane, f.subject.ID)
	if s.hooks.OnDispatch != nil {
		s.hooks.OnDispatch(strat, err)
	}
	if err == nil {
		f.logger.Info(ctx, "lookup dispatched", "strategy", strat)
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "dispatch failed")
	if !s.table.RemoveEntry(entry) {
		// a reply or the sweeper took this entry and owns the flow now
		f.logger.Warn(ctx, "lookup dispatch failed after its entry was taken", "strategy", strat, "error", err.Error())
		return
	}
	f.logger.Warn(ctx, "lookup dispatch failed, falling back", "strategy", strat, "error", err.Error())
	s.aiFallback(ctx, f, "dispatch failed")
}

// ExpireBefore treats every lookup dispatched before cutoff as unanswered.
// It returns how many were expired.
func (s *Service) ExpireBefore(ctx context.Context, cutoff time.Time) int {
	expired := s.table.Expire(cutoff)
	for _, e := range expired {
		f := e.Value
		if s.hooks.OnExpire != nil {
			s.hooks.OnExpire(f.strategy)
		}
		f.logger.Warn(ctx, "lookup timed out", "strategy", f.strategy, "dispatched_at", e.DispatchedAt)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.noResult(context.WithoutCancel(ctx), f, "lookup timed out")
		}()
	}
	return len(expired)
}

// RunExpiry sweeps for unanswered lookups until ctx is done. It returns
// immediately when the pending TTL is disabled.
func (s *Service) RunExpiry(ctx context.Context) {
	if s.ttl <= 0 {
		return
	}
	ticker := time.NewTicker(s.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.ExpireBefore(ctx, s.now().Add(-s.ttl)); n > 0 {
				s.logger.Info(ctx, "expired pending lookups", "count", n)
			}
		}
	}
}

// Wait blocks until every background run finishes or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subject reports the ledger status, pending lookup and latest resolution
// for a subject.
func (s *Service) Subject(ctx context.Context, subjectID string) (*SubjectView, error) {
	v := &SubjectView{SubjectID: subjectID, Ledger: s.ledger.Status(subjectID)}
	if e, ok := s.table.Get(subjectID); ok {
		v.Pending = &PendingView{Lane: e.Lane, DispatchedAt: e.DispatchedAt}
	}
	res, ok, err := s.store.GetBySubject(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if ok {
		v.Resolution = res
	}
	return v, nil
}

// Resolution retrieves a run record by id.
func (s *Service) Resolution(ctx context.Context, id string) (*Resolution, bool, error) {
	return s.store.Get(ctx, id)
}

// Stats returns ledger and table counts.
func (s *Service) Stats() Stats {
	return Stats{
		Ledger:  s.ledger.Stats(),
		Pending: s.table.Len(),
		Bound:   s.table.Bound(),
		Lanes:   s.table.Lanes(),
	}
}

// Seed marks subjects handled and external ids alerted. It returns how many
// of each were new.
func (s *Service) Seed(subjectIDs, externalIDs []string) (subjects, external int) {
	return s.ledger.SeedSubjects(subjectIDs...), s.ledger.SeedExternalIDs(externalIDs...)
}

// SeedFromStore seeds the ledger from alerted runs completed within window.
// Dropped runs are skipped. It returns how many alert records were used.
func (s *Service) SeedFromStore(ctx context.Context, window time.Duration, limit int) (int, error) {
	recs, err := s.store.Recent(ctx, s.now().Add(-window), limit)
	if err != nil {
		return 0, fmt.Errorf("load recent resolutions: %w", err)
	}
	subjects := make([]string, 0, len(recs))
	external := make([]string, 0, len(recs))
	for _, r := range recs {
		if r.Outcome != OutcomeAlerted {
			continue
		}
		subjects = append(subjects, r.SubjectID)
		external = append(external, r.ExternalID)
	}
	ns, ne := s.Seed(subjects, external)
	s.logger.Info(ctx, "ledger seeded from store",
		"records", len(recs),
		"alerts", len(subjects),
		"subjects", ns,
		"external_ids", ne,
	)
	return len(subjects), nil
}

func (s *Service) strategyConfig(strat Strategy) *StrategyConfig {
	switch strat {
	case StrategyPrimary:
		return &s.primary
	case StrategySecondary:
		return s.secondary
	default:
		return nil
	}
}

// persist writes the flow's resolution. Store failures are logged; the run
// continues.
func (s *Service) persist(ctx context.Context, f *flow) {
	if err := s.store.Put(ctx, f.res.Clone()); err != nil {
		f.logger.Error(ctx, err, "failed to persist resolution", "state", f.res.State)
	}
}

func (s *Service) observed(result string) {
	if s.hooks.OnObserve != nil {
		s.hooks.OnObserve(result)
	}
}

func (s *Service) replied(strat Strategy, result string) {
	if s.hooks.OnReply != nil {
		s.hooks.OnReply(strat, result)
	}
}
