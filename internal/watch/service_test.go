package watch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/tradewatch/internal/catalog"
	"github.com/linnemanlabs/tradewatch/internal/correlate"
	"github.com/linnemanlabs/tradewatch/internal/ledger"
	"github.com/linnemanlabs/tradewatch/internal/lookup"
	"github.com/linnemanlabs/tradewatch/internal/match"
	"github.com/linnemanlabs/tradewatch/internal/vision"
)

const (
	testThreshold = 100000
	testQueue     = "lookup-1"
	testChannel   = "chan-1"
)

// fakeDispatcher records dispatched subjects on a channel. A non-nil gate
// holds every Dispatch call until it is closed.
type fakeDispatcher struct {
	sent chan string
	err  error
	gate chan struct{}
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{sent: make(chan string, 64)}
}

func (d *fakeDispatcher) Dispatch(_ context.Context, lane correlate.Lane, subjectID string) error {
	d.sent <- lane.Strategy + ":" + subjectID
	if d.gate != nil {
		<-d.gate
	}
	return d.err
}

func waitSent(t *testing.T, d *fakeDispatcher) string {
	t.Helper()
	select {
	case s := <-d.sent:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
		return ""
	}
}

func assertNotSent(t *testing.T, d *fakeDispatcher) {
	t.Helper()
	select {
	case s := <-d.sent:
		t.Fatalf("unexpected dispatch %s", s)
	default:
	}
}

// jsonExtractor decodes payloads straight into an Extraction.
type jsonExtractor struct{}

func (jsonExtractor) Extract(payload []byte) (lookup.Extraction, error) {
	var ext lookup.Extraction
	if err := json.Unmarshal(payload, &ext); err != nil {
		return lookup.Extraction{}, lookup.ErrInvalidPayload
	}
	return ext, nil
}

type fakeEnricher struct {
	mu         sync.Mutex
	valuations map[string]int64
	calls      int
}

func (e *fakeEnricher) FetchValuation(_ context.Context, id string) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	return e.valuations[id]
}

func (e *fakeEnricher) FetchAvatar(_ context.Context, id string) string {
	return "https://avatar.test/" + id
}

func (e *fakeEnricher) FetchThumbnail(_ context.Context, id string) string {
	return "https://thumb.test/" + id
}

type fakeVision struct {
	detections map[string][]match.Detection
	irrelevant map[string]bool
	fetchErr   error
}

func (v *fakeVision) Fetch(_ context.Context, url string) (*vision.Image, error) {
	if v.fetchErr != nil {
		return nil, v.fetchErr
	}
	return &vision.Image{URL: url, MIME: "image/png"}, nil
}

func (v *fakeVision) IsRelevant(_ context.Context, img *vision.Image) (bool, error) {
	return !v.irrelevant[img.URL], nil
}

func (v *fakeVision) ExtractEntities(_ context.Context, img *vision.Image) ([]match.Detection, error) {
	return v.detections[img.URL], nil
}

type fakeSink struct {
	mu     sync.Mutex
	alerts []*Alert
	err    error
}

func (s *fakeSink) Emit(_ context.Context, al *Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, al)
	return s.err
}

func (s *fakeSink) all() []*Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Alert(nil), s.alerts...)
}

// mockStore implements Store for testing.
type mockStore struct {
	mu        sync.Mutex
	results   map[string]*Resolution
	bySubject map[string]string
	putErr    error
}

func newMockStore() *mockStore {
	return &mockStore{
		results:   make(map[string]*Resolution),
		bySubject: make(map[string]string),
	}
}

func (m *mockStore) Get(_ context.Context, id string) (*Resolution, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[id]
	if !ok {
		return nil, false, nil
	}
	return r.Clone(), true, nil
}

func (m *mockStore) GetBySubject(ctx context.Context, subjectID string) (*Resolution, bool, error) {
	m.mu.Lock()
	id, ok := m.bySubject[subjectID]
	m.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	return m.Get(ctx, id)
}

func (m *mockStore) Put(_ context.Context, r *Resolution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.results[r.ID] = r.Clone()
	m.bySubject[r.SubjectID] = r.ID
	return nil
}

func (m *mockStore) Recent(_ context.Context, since time.Time, limit int) ([]*Resolution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Resolution
	for _, r := range m.results {
		if r.State == StateTerminal && r.CompletedAt.After(since) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CompletedAt.After(out[j].CompletedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type harness struct {
	svc       *Service
	primary   *fakeDispatcher
	secondary *fakeDispatcher
	enricher  *fakeEnricher
	vision    *fakeVision
	sink      *fakeSink
	store     *mockStore
	ledger    *ledger.Ledger
}

func testCatalog() *catalog.Catalog {
	c := catalog.New(nil)
	c.Refresh([]catalog.Entry{
		{ID: "1", Name: "Domino Crown", PrimaryValue: 24000000},
		{ID: "2", Name: "Valkyrie Helm", Code: "VH", PrimaryValue: 60000},
		{ID: "3", Name: "Clockwork Headphones", Code: "CWHP", PrimaryValue: 120000},
	})
	return c
}

// newHarness builds a service with both strategies. withSecondary false
// drops the second lookup.
func newHarness(t *testing.T, withSecondary bool, hooks Hooks) *harness {
	t.Helper()

	h := &harness{
		primary:   newFakeDispatcher(),
		secondary: newFakeDispatcher(),
		enricher:  &fakeEnricher{valuations: map[string]int64{}},
		vision:    &fakeVision{detections: map[string][]match.Detection{}, irrelevant: map[string]bool{}},
		sink:      &fakeSink{},
		store:     newMockStore(),
		ledger:    ledger.New(),
	}
	opts := Options{
		Router:   NewRouter(map[string]string{testChannel: testQueue}, []string{"blocked-1"}, nil),
		Matcher:  match.New(testCatalog(), testThreshold),
		Ledger:   h.ledger,
		Primary:  StrategyConfig{Dispatcher: h.primary, Extractor: jsonExtractor{}},
		Enricher: h.enricher,
		Vision:   h.vision,
		Sink:     h.sink,
		Store:    h.store,
	}
	if withSecondary {
		opts.Secondary = &StrategyConfig{Dispatcher: h.secondary, Extractor: jsonExtractor{}}
	}
	h.svc = NewService(opts, log.Nop(), hooks)
	return h
}

func (h *harness) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.svc.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func (h *harness) resolution(t *testing.T, subjectID string) *Resolution {
	t.Helper()
	r, ok, err := h.store.GetBySubject(context.Background(), subjectID)
	if err != nil || !ok {
		t.Fatalf("no resolution for %s: %v", subjectID, err)
	}
	return r
}

func testSubject(id string) *Subject {
	return &Subject{
		ID:         id,
		DisplayTag: "tag-" + id,
		Text:       "trading today",
		Source: SourceContext{
			GuildID:   "g-1",
			ChannelID: testChannel,
			MessageID: "m-" + id,
		},
	}
}

func reply(id string, strat Strategy, payload string) *Reply {
	return &Reply{ReplyID: id, Queue: testQueue, Strategy: strat, Payload: json.RawMessage(payload)}
}

func mustObserve(t *testing.T, h *harness, sub *Subject) *ObserveResult {
	t.Helper()
	or, err := h.svc.Observe(context.Background(), sub)
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if or.Skipped {
		t.Fatalf("Observe skipped: %s", or.Reason)
	}
	return or
}

func mustReply(t *testing.T, h *harness, r *Reply) *ReplyResult {
	t.Helper()
	rr, err := h.svc.HandleReply(context.Background(), r)
	if err != nil {
		t.Fatalf("HandleReply: %v", err)
	}
	return rr
}

func TestObserve_Skips(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Subject)
		reason string
	}{
		{"bot author", func(s *Subject) { s.Bot = true }, "bot author"},
		{"blocked author", func(s *Subject) { s.ID = "blocked-1" }, "blocked author"},
		{"unwatched channel", func(s *Subject) { s.Source.ChannelID = "other" }, "unroutable"},
		{"unknown queue", func(s *Subject) { s.Queue = "nope" }, "unroutable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, false, Hooks{})
			sub := testSubject("100")
			tt.mutate(sub)

			or, err := h.svc.Observe(context.Background(), sub)
			if err != nil {
				t.Fatalf("Observe: %v", err)
			}
			if !or.Skipped || or.Reason != tt.reason {
				t.Errorf("result = %+v, want skipped %q", or, tt.reason)
			}
			assertNotSent(t, h.primary)
			if got := h.ledger.Status(sub.ID); got != ledger.StatusUnknown {
				t.Errorf("ledger status = %s, want unknown", got)
			}
		})
	}
}

func TestObserve_RequiresID(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false, Hooks{})
	if _, err := h.svc.Observe(context.Background(), &Subject{ID: "  "}); !errors.Is(err, ErrInvalidSubject) {
		t.Errorf("err = %v, want ErrInvalidSubject", err)
	}
}

func TestObserve_DuplicateIsNoop(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false, Hooks{})
	or := mustObserve(t, h, testSubject("100"))
	if or.RunID == "" {
		t.Error("expected run id")
	}
	if got := waitSent(t, h.primary); got != "primary:100" {
		t.Errorf("dispatch = %s", got)
	}

	again, err := h.svc.Observe(context.Background(), testSubject("100"))
	if err != nil {
		t.Fatal(err)
	}
	if !again.Skipped || again.Reason != "in flight" {
		t.Errorf("second observe = %+v, want in flight", again)
	}

	h.enricher.valuations["7"] = 500000
	mustReply(t, h, reply("r-1", StrategyPrimary, `{"subject_key":"100","external_id":"7"}`))
	h.wait(t)

	third, err := h.svc.Observe(context.Background(), testSubject("100"))
	if err != nil {
		t.Fatal(err)
	}
	if !third.Skipped || third.Reason != "already handled" {
		t.Errorf("third observe = %+v, want already handled", third)
	}
	assertNotSent(t, h.primary)
	if n := len(h.sink.all()); n != 1 {
		t.Errorf("alerts = %d, want 1", n)
	}
}

func TestLookupAlert(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true, Hooks{})
	h.enricher.valuations["7"] = 500000

	mustObserve(t, h, testSubject("100"))
	waitSent(t, h.primary)

	rr := mustReply(t, h, reply("r-1", StrategyPrimary, `{"subject_key":"100","external_id":"7"}`))
	if !rr.Matched || rr.SubjectID != "100" {
		t.Fatalf("reply result = %+v", rr)
	}
	h.wait(t)

	alerts := h.sink.all()
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	al := alerts[0]
	if al.Kind != AlertLookup || al.ExternalID != "7" || al.Valuation != 500000 {
		t.Errorf("alert = %+v", al)
	}
	if al.AvatarURL != "https://avatar.test/7" {
		t.Errorf("avatar = %q", al.AvatarURL)
	}
	if al.Subject.Queue != testQueue {
		t.Errorf("subject queue = %q", al.Subject.Queue)
	}
	assertNotSent(t, h.secondary)

	res := h.resolution(t, "100")
	if res.State != StateTerminal || res.Outcome != OutcomeAlerted || res.AlertID != al.ID {
		t.Errorf("resolution = %+v", res)
	}
	if res.CompletedAt.IsZero() {
		t.Error("expected completed_at")
	}
	if !h.ledger.IsAlerted("7") {
		t.Error("external id should be recorded")
	}
	if h.ledger.Status("100") != ledger.StatusHandled {
		t.Error("subject should be handled")
	}
}

func TestSecondaryResolvesLowValueThenAIAlertKeepsExternalID(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true, Hooks{})
	h.enricher.valuations["42"] = 50000
	h.vision.detections["https://cdn.test/a.png"] = []match.Detection{{Name: "domino crown", Value: 1}}

	sub := testSubject("100")
	sub.Images = []string{"https://cdn.test/a.png"}
	mustObserve(t, h, sub)
	waitSent(t, h.primary)

	mustReply(t, h, reply("r-1", StrategyPrimary, `{"subject_key":"100"}`))
	if got := waitSent(t, h.secondary); got != "secondary:100" {
		t.Fatalf("secondary dispatch = %s", got)
	}
	if v, err := h.svc.Subject(context.Background(), "100"); err != nil || v.Resolution.State != StateAwaitingSecondary {
		t.Fatalf("subject view = %+v, %v", v, err)
	}

	mustReply(t, h, reply("r-2", StrategySecondary, `{"subject_key":"100","external_id":"42"}`))
	h.wait(t)

	alerts := h.sink.all()
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	al := alerts[0]
	if al.Kind != AlertAI {
		t.Errorf("kind = %s, want ai", al.Kind)
	}
	if al.ExternalID != "42" || al.Valuation != 50000 {
		t.Errorf("alert identity = %s @ %d, want 42 @ 50000", al.ExternalID, al.Valuation)
	}
	if len(al.Items) != 1 || al.Items[0].ID != "1" || al.Items[0].Value != 24000000 {
		t.Errorf("items = %+v", al.Items)
	}
	if al.ThumbnailURL != "https://thumb.test/1" {
		t.Errorf("thumbnail = %q", al.ThumbnailURL)
	}

	res := h.resolution(t, "100")
	if len(res.Strategies) != 2 || res.Strategies[0] != StrategyPrimary || res.Strategies[1] != StrategySecondary {
		t.Errorf("strategies = %v", res.Strategies)
	}
	if res.Outcome != OutcomeAlerted || res.AlertKind != AlertAI {
		t.Errorf("resolution = %+v", res)
	}
}

func TestBelowThresholdOnPrimaryCrossChecksSecondary(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true, Hooks{})
	h.enricher.valuations["9"] = 500

	mustObserve(t, h, testSubject("100"))
	waitSent(t, h.primary)
	mustReply(t, h, reply("r-1", StrategyPrimary, `{"subject_key":"100","external_id":"9"}`))
	waitSent(t, h.secondary)

	mustReply(t, h, reply("r-2", StrategySecondary, `{"subject_key":"100"}`))
	h.wait(t)

	res := h.resolution(t, "100")
	if res.Outcome != OutcomeDroppedBelowThreshold {
		t.Errorf("outcome = %s, want dropped_below_threshold", res.Outcome)
	}
	if res.ExternalID != "9" || res.Valuation != 500 {
		t.Errorf("known identity lost: %s @ %d", res.ExternalID, res.Valuation)
	}
	if len(h.sink.all()) != 0 {
		t.Error("expected no alert")
	}
	if !h.ledger.IsAlerted("9") {
		t.Error("known external id should be committed on terminal")
	}
}

func TestDuplicateExternalID(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false, Hooks{})
	h.svc.Seed(nil, []string{"7"})
	h.enricher.valuations["7"] = 500000

	mustObserve(t, h, testSubject("100"))
	waitSent(t, h.primary)
	mustReply(t, h, reply("r-1", StrategyPrimary, `{"subject_key":"100","external_id":"7"}`))
	h.wait(t)

	if res := h.resolution(t, "100"); res.Outcome != OutcomeDroppedDuplicate {
		t.Errorf("outcome = %s, want dropped_duplicate", res.Outcome)
	}
	if len(h.sink.all()) != 0 {
		t.Error("expected no alert")
	}
	if h.enricher.calls != 0 {
		t.Error("duplicate should not be enriched")
	}
}

func TestDispatchFailureFallsBackWithoutSecondary(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true, Hooks{})
	h.primary.err = &lookup.DispatchError{Status: 502}

	sub := testSubject("100")
	sub.Text = "selling my Domino Crown, offers"
	mustObserve(t, h, sub)
	h.wait(t)

	assertNotSent(t, h.secondary)
	alerts := h.sink.all()
	if len(alerts) != 1 || alerts[0].Kind != AlertAI || alerts[0].ExternalID != "" {
		t.Fatalf("alerts = %+v", alerts)
	}
	res := h.resolution(t, "100")
	if res.Reason != "dispatch failed" || res.Outcome != OutcomeAlerted {
		t.Errorf("resolution = %+v", res)
	}
	if h.svc.Stats().Pending != 0 {
		t.Error("table slot should be released")
	}
}

func TestAIFallbackOutcomes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		text    string
		images  map[string][]match.Detection
		outcome Outcome
		reason  string
	}{
		{
			name:    "buyer intent",
			text:    "Buying your Domino Crown for robux",
			outcome: OutcomeDroppedNoItems,
			reason:  "buyer intent",
		},
		{
			name:    "nothing found",
			text:    "hello there",
			outcome: OutcomeDroppedNoItems,
			reason:  "no items found",
		},
		{
			name:    "only low value mention",
			text:    "got a valkyrie helm",
			outcome: OutcomeDroppedBelowThreshold,
		},
		{
			name:    "only low value detection",
			text:    "see pic",
			images:  map[string][]match.Detection{"u1": {{Name: "Valkyrie Helm"}}},
			outcome: OutcomeDroppedBelowThreshold,
		},
		{
			name:    "unknown detection",
			text:    "see pic",
			images:  map[string][]match.Detection{"u1": {{Name: "Mystery Hat Of Nothing"}}},
			outcome: OutcomeDroppedNoItems,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, false, Hooks{})
			h.primary.err = errors.New("bridge down")
			sub := testSubject("100")
			sub.Text = tt.text
			for url, dets := range tt.images {
				sub.Images = append(sub.Images, url)
				h.vision.detections[url] = dets
			}

			mustObserve(t, h, sub)
			h.wait(t)

			res := h.resolution(t, "100")
			if res.Outcome != tt.outcome {
				t.Errorf("outcome = %s, want %s", res.Outcome, tt.outcome)
			}
			if tt.reason != "" && res.Reason != tt.reason {
				t.Errorf("reason = %q, want %q", res.Reason, tt.reason)
			}
			if len(h.sink.all()) != 0 {
				t.Error("expected no alert")
			}
		})
	}
}

func TestAIFallbackMergesVisionAndText(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false, Hooks{})
	h.primary.err = errors.New("bridge down")
	h.vision.detections["u1"] = []match.Detection{{Name: "Clockwork Headphones"}}
	h.vision.detections["u2"] = []match.Detection{{Name: "Domino Crown"}}
	h.vision.irrelevant["u2"] = true

	sub := testSubject("100")
	sub.Images = []string{"u1", "u2"}
	sub.Text = "also have CWHP and a domino crown"
	mustObserve(t, h, sub)
	h.wait(t)

	alerts := h.sink.all()
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d", len(alerts))
	}
	items := alerts[0].Items
	if len(items) != 2 || items[0].ID != "1" || items[1].ID != "3" {
		t.Errorf("items = %+v, want [1 3]", items)
	}
	if items[1].DetectedAs != "Clockwork Headphones" {
		t.Errorf("vision item should win over text mention, got %+v", items[1])
	}
}

func TestDeferredReplyResumesOnEdit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false, Hooks{})
	h.enricher.valuations["7"] = 500000

	mustObserve(t, h, testSubject("100"))
	waitSent(t, h.primary)

	rr := mustReply(t, h, reply("r-1", StrategyPrimary, `{"deferred":true}`))
	if !rr.Matched || !rr.Deferred || rr.SubjectID != "100" {
		t.Fatalf("placeholder result = %+v", rr)
	}

	v, err := h.svc.Subject(context.Background(), "100")
	if err != nil {
		t.Fatal(err)
	}
	if v.Pending == nil || v.Resolution.State != StateAwaitingPrimaryRetry {
		t.Fatalf("subject view = %+v", v)
	}
	if h.svc.Stats().Bound != 1 {
		t.Error("expected one bound reply")
	}

	edit := reply("r-1", StrategyPrimary, `{"external_id":"7"}`)
	edit.Updated = true
	if rr := mustReply(t, h, edit); !rr.Matched {
		t.Fatalf("edit result = %+v", rr)
	}
	h.wait(t)

	if res := h.resolution(t, "100"); res.Outcome != OutcomeAlerted {
		t.Errorf("outcome = %s", res.Outcome)
	}
	if st := h.svc.Stats(); st.Bound != 0 || st.Pending != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestCorrelationMisses(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false, Hooks{})
	mustObserve(t, h, testSubject("100"))
	waitSent(t, h.primary)

	edit := reply("r-x", StrategyPrimary, `{"external_id":"7"}`)
	edit.Updated = true

	tests := []struct {
		name   string
		r      *Reply
		reason string
	}{
		{"unknown key", reply("r-1", StrategyPrimary, `{"subject_key":"999","external_id":"7"}`), "no pending subject for key"},
		{"other lane", &Reply{ReplyID: "r-2", Queue: "other", Strategy: StrategyPrimary, Payload: json.RawMessage(`{}`)}, "no pending request"},
		{"edit of unbound reply", edit, "edit of unbound reply"},
	}
	for _, tt := range tests {
		rr := mustReply(t, h, tt.r)
		if rr.Matched || rr.Reason != tt.reason {
			t.Errorf("%s: result = %+v, want miss %q", tt.name, rr, tt.reason)
		}
	}
	if h.svc.Stats().Pending != 1 {
		t.Error("misses must not consume the pending entry")
	}
}

func TestHandleReply_Errors(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false, Hooks{})
	if _, err := h.svc.HandleReply(context.Background(), reply("r", StrategySecondary, `{}`)); !errors.Is(err, ErrUnknownStrategy) {
		t.Errorf("unconfigured secondary err = %v", err)
	}
	if _, err := h.svc.HandleReply(context.Background(), reply("r", "tertiary", `{}`)); !errors.Is(err, ErrUnknownStrategy) {
		t.Errorf("unknown strategy err = %v", err)
	}
	if _, err := h.svc.HandleReply(context.Background(), reply("r", StrategyPrimary, `nope`)); !errors.Is(err, lookup.ErrInvalidPayload) {
		t.Errorf("bad payload err = %v", err)
	}
}

func TestReplyMatchesByDisplayTagThenFIFO(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false, Hooks{})
	mustObserve(t, h, testSubject("100"))
	waitSent(t, h.primary)
	mustObserve(t, h, testSubject("200"))
	waitSent(t, h.primary)

	rr := mustReply(t, h, reply("r-1", StrategyPrimary, `{"display_tag":"TAG-200"}`))
	if rr.SubjectID != "200" {
		t.Errorf("display tag matched %q, want 200", rr.SubjectID)
	}
	rr = mustReply(t, h, reply("r-2", StrategyPrimary, `{"display_tag":"tag-unknown"}`))
	if rr.SubjectID != "100" {
		t.Errorf("fifo fallback matched %q, want 100", rr.SubjectID)
	}
	h.wait(t)
}

func TestExpiry(t *testing.T) {
	t.Parallel()

	t.Run("escalates primary to secondary", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, true, Hooks{})
		mustObserve(t, h, testSubject("100"))
		waitSent(t, h.primary)

		if n := h.svc.ExpireBefore(context.Background(), time.Now().Add(time.Minute)); n != 1 {
			t.Fatalf("expired = %d, want 1", n)
		}
		if got := waitSent(t, h.secondary); got != "secondary:100" {
			t.Errorf("dispatch = %s", got)
		}
		if n := h.svc.ExpireBefore(context.Background(), time.Now().Add(time.Minute)); n != 1 {
			t.Fatalf("second expiry = %d, want 1", n)
		}
		h.wait(t)
		if res := h.resolution(t, "100"); res.State != StateTerminal || res.Reason != "no items found" {
			t.Errorf("resolution = %+v", res)
		}
	})

	t.Run("recent entries survive", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, false, Hooks{})
		mustObserve(t, h, testSubject("100"))
		waitSent(t, h.primary)

		if n := h.svc.ExpireBefore(context.Background(), time.Now().Add(-time.Hour)); n != 0 {
			t.Errorf("expired = %d, want 0", n)
		}
		if h.svc.Stats().Pending != 1 {
			t.Error("entry should still be pending")
		}
	})

	t.Run("late reply after expiry is a miss", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, false, Hooks{})
		mustObserve(t, h, testSubject("100"))
		waitSent(t, h.primary)
		h.svc.ExpireBefore(context.Background(), time.Now().Add(time.Minute))
		h.wait(t)

		rr := mustReply(t, h, reply("r-1", StrategyPrimary, `{"subject_key":"100","external_id":"7"}`))
		if rr.Matched {
			t.Errorf("late reply matched: %+v", rr)
		}
	})
}

func TestRunExpiryDisabled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false, Hooks{})
	done := make(chan struct{})
	go func() {
		h.svc.RunExpiry(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunExpiry should return when the pending TTL is zero")
	}
}

func TestTerminalExactlyOnceUnderConcurrentReplies(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		complete = make(map[Outcome]int)
	)
	h := newHarness(t, false, Hooks{
		OnComplete: func(e *CompleteEvent) {
			mu.Lock()
			defer mu.Unlock()
			complete[e.Outcome]++
		},
	})

	const n = 20
	for i := range n {
		id := fmt.Sprintf("%d", 1000+i)
		h.enricher.valuations["x"+id] = 500000
		mustObserve(t, h, testSubject(id))
		waitSent(t, h.primary)
	}

	var wg sync.WaitGroup
	for i := range n * 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("%d", 1000+i%n)
			_, _ = h.svc.HandleReply(context.Background(),
				reply(fmt.Sprintf("r-%d", i), StrategyPrimary, fmt.Sprintf(`{"subject_key":%q,"external_id":"x%s"}`, id, id)))
		}()
	}
	wg.Wait()
	h.wait(t)

	mu.Lock()
	defer mu.Unlock()
	if complete[OutcomeAlerted] != n || len(complete) != 1 {
		t.Errorf("completions = %v, want %d alerted", complete, n)
	}
	if got := len(h.sink.all()); got != n {
		t.Errorf("alerts = %d, want %d", got, n)
	}
	if st := h.svc.Stats(); st.Pending != 0 || st.Ledger.Handled != n || st.Ledger.InFlight != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestDeliveryFailureStillAlerted(t *testing.T) {
	t.Parallel()

	var deliveryErr error
	var mu sync.Mutex
	h := newHarness(t, false, Hooks{
		OnDelivery: func(_ AlertKind, err error) {
			mu.Lock()
			defer mu.Unlock()
			deliveryErr = err
		},
	})
	h.sink.err = errors.New("webhook 500")
	h.enricher.valuations["7"] = 500000

	mustObserve(t, h, testSubject("100"))
	waitSent(t, h.primary)
	mustReply(t, h, reply("r-1", StrategyPrimary, `{"subject_key":"100","external_id":"7"}`))
	h.wait(t)

	if res := h.resolution(t, "100"); res.Outcome != OutcomeAlerted {
		t.Errorf("outcome = %s", res.Outcome)
	}
	mu.Lock()
	defer mu.Unlock()
	if deliveryErr == nil {
		t.Error("delivery hook should see the error")
	}
}

func TestSecondaryDispatchFailureFallsBackToAI(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true, Hooks{})
	h.secondary.err = errors.New("bridge unreachable")

	sub := testSubject("100")
	sub.Text = "selling my Domino Crown, offers"
	mustObserve(t, h, sub)
	waitSent(t, h.primary)

	mustReply(t, h, reply("r-1", StrategyPrimary, `{"subject_key":"100"}`))
	waitSent(t, h.secondary)
	h.wait(t)

	alerts := h.sink.all()
	if len(alerts) != 1 || alerts[0].Kind != AlertAI || alerts[0].ExternalID != "" {
		t.Fatalf("alerts = %+v", alerts)
	}
	res := h.resolution(t, "100")
	if res.State != StateTerminal || res.Outcome != OutcomeAlerted || res.Reason != "dispatch failed" {
		t.Errorf("resolution = %+v", res)
	}
	if len(res.Strategies) != 2 || res.Strategies[1] != StrategySecondary {
		t.Errorf("strategies = %v", res.Strategies)
	}
	if st := h.svc.Stats(); st.Pending != 0 || st.Bound != 0 {
		t.Errorf("table slot should be released: %+v", st)
	}
	if h.ledger.Status("100") != ledger.StatusHandled {
		t.Error("subject should be handled")
	}
}

func TestLateDispatchFailureKeepsNextLookupPending(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true, Hooks{})
	h.primary.gate = make(chan struct{})
	h.primary.err = errors.New("client timeout")
	h.enricher.valuations["42"] = 500000

	mustObserve(t, h, testSubject("100"))
	waitSent(t, h.primary)

	// the bridge answered before the primary command call returned
	mustReply(t, h, reply("r-1", StrategyPrimary, `{"subject_key":"100"}`))
	if got := waitSent(t, h.secondary); got != "secondary:100" {
		t.Fatalf("secondary dispatch = %s", got)
	}

	close(h.primary.gate)
	h.wait(t)

	if st := h.svc.Stats(); st.Pending != 1 {
		t.Fatalf("pending = %d, want the secondary lookup still waiting", st.Pending)
	}
	if len(h.sink.all()) != 0 {
		t.Fatal("stale dispatch error must not start a fallback")
	}

	rr := mustReply(t, h, reply("r-2", StrategySecondary, `{"subject_key":"100","external_id":"42"}`))
	if !rr.Matched {
		t.Fatalf("secondary reply = %+v", rr)
	}
	h.wait(t)

	alerts := h.sink.all()
	if len(alerts) != 1 || alerts[0].Kind != AlertLookup || alerts[0].ExternalID != "42" {
		t.Fatalf("alerts = %+v", alerts)
	}
	if res := h.resolution(t, "100"); res.Outcome != OutcomeAlerted || res.Reason != "" {
		t.Errorf("resolution = %+v", res)
	}
}

func TestSeedFromStore(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false, Hooks{})
	now := time.Now()
	for i, r := range []*Resolution{
		{ID: "a", SubjectID: "s-1", ExternalID: "e-1", State: StateTerminal, Outcome: OutcomeAlerted, CompletedAt: now.Add(-time.Hour)},
		{ID: "b", SubjectID: "s-2", State: StateTerminal, Outcome: OutcomeAlerted, CompletedAt: now.Add(-2 * time.Hour)},
		{ID: "c", SubjectID: "s-3", ExternalID: "e-3", State: StateTerminal, Outcome: OutcomeAlerted, CompletedAt: now.Add(-72 * time.Hour)},
		{ID: "d", SubjectID: "s-4", State: StateAwaitingPrimary},
		{ID: "e", SubjectID: "s-5", ExternalID: "e-5", State: StateTerminal, Outcome: OutcomeDroppedBelowThreshold, CompletedAt: now.Add(-time.Hour)},
		{ID: "f", SubjectID: "s-6", State: StateTerminal, Outcome: OutcomeDroppedNoItems, CompletedAt: now.Add(-time.Hour)},
	} {
		if err := h.store.Put(context.Background(), r); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}

	n, err := h.svc.SeedFromStore(context.Background(), 24*time.Hour, 100)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("records = %d, want 2", n)
	}
	for id, want := range map[string]ledger.SubjectStatus{
		"s-1": ledger.StatusHandled,
		"s-2": ledger.StatusHandled,
		"s-3": ledger.StatusUnknown,
		"s-4": ledger.StatusUnknown,
		"s-5": ledger.StatusUnknown,
		"s-6": ledger.StatusUnknown,
	} {
		if got := h.ledger.Status(id); got != want {
			t.Errorf("%s status = %s, want %s", id, got, want)
		}
	}
	if !h.ledger.IsAlerted("e-1") || h.ledger.IsAlerted("e-3") {
		t.Error("only ids inside the window should be seeded")
	}
	if h.ledger.IsAlerted("e-5") {
		t.Error("dropped runs must not seed external ids")
	}

	or, _ := h.svc.Observe(context.Background(), testSubject("s-1"))
	if !or.Skipped || or.Reason != "already handled" {
		t.Errorf("seeded subject observe = %+v", or)
	}
}

func TestNewService_PanicsOnMissingDeps(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	NewService(Options{}, log.Nop(), Hooks{})
}
