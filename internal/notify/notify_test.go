package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/tradewatch/internal/watch"
)

type recordingSink struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (s *recordingSink) Emit(_ context.Context, al *watch.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, al.ID)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

func TestFanout_KindFilter(t *testing.T) {
	t.Parallel()

	main, valid := &recordingSink{}, &recordingSink{}
	f := NewFanout(log.Nop(),
		Route{Name: "main", Sink: main, Kinds: []watch.AlertKind{watch.AlertLookup}},
		Route{Name: "valid", Sink: valid},
		Route{Name: "unset"},
	)
	if f.Routes() != 2 {
		t.Fatalf("Routes = %d, want 2", f.Routes())
	}

	ctx := context.Background()
	if err := f.Emit(ctx, &watch.Alert{ID: "a1", Kind: watch.AlertLookup}); err != nil {
		t.Fatalf("Emit lookup: %v", err)
	}
	if err := f.Emit(ctx, &watch.Alert{ID: "a2", Kind: watch.AlertAI}); err != nil {
		t.Fatalf("Emit ai: %v", err)
	}

	if main.count() != 1 {
		t.Errorf("main got %d alerts, want 1", main.count())
	}
	if valid.count() != 2 {
		t.Errorf("valid got %d alerts, want 2", valid.count())
	}
}

func TestFanout_JoinsFailures(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	ok := &recordingSink{}
	bad := &recordingSink{err: boom}

	var mu sync.Mutex
	sent := make(map[string]error)
	f := NewFanout(nil, Route{Name: "ok", Sink: ok}, Route{Name: "bad", Sink: bad})
	f.OnSend = func(route string, err error) {
		mu.Lock()
		defer mu.Unlock()
		sent[route] = err
	}

	err := f.Emit(context.Background(), &watch.Alert{ID: "a1", Kind: watch.AlertAI})
	if !errors.Is(err, ErrDelivery) || !errors.Is(err, boom) {
		t.Fatalf("err = %v, want ErrDelivery wrapping boom", err)
	}
	if ok.count() != 1 {
		t.Error("healthy sink should still receive the alert")
	}
	if len(sent) != 2 || sent["ok"] != nil || sent["bad"] == nil {
		t.Errorf("OnSend calls = %v", sent)
	}
}
