package catalog

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

func testEntries() []Entry {
	return []Entry{
		{ID: "1", Name: "Domino Crown", PrimaryValue: 24000000},
		{ID: "2", Name: "Dominus Frigidus", Code: "DF", PrimaryValue: 30000000, OverrideValue: 35000000},
		{ID: "3", Name: "Telamon's Chicken Suit", Code: "TCS", PrimaryValue: 150000, OverrideValue: UnsetValue},
		{ID: "4", Name: "Mime Mask", Code: "MM", PrimaryValue: 9000},
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"Domino Crown", "domino crown"},
		{"  Telamon’s   Chicken  Suit ", "telamons chicken suit"},
		{"Telamon's Chicken Suit (Chicken)", "telamons chicken suit chicken"},
		{"Sparkle Time Fedora!!", "sparkle time fedora"},
		{"Café Hat", "cafe hat"},
		{"ＤＯＭＩＮＯ", "domino"},
		{"", ""},
		{"---", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			if got := Normalize(tt.in); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func FuzzNormalizeIdempotent(f *testing.F) {
	for _, s := range []string{"Domino Crown", "Telamon’s Chicken", "a's b's", "ÀÉÎ", "\x00\xff", "  ''s  "} {
		f.Add(s)
	}
	f.Fuzz(func(t *testing.T, s string) {
		once := Normalize(s)
		if twice := Normalize(once); twice != once {
			t.Errorf("Normalize not idempotent: %q -> %q -> %q", s, once, twice)
		}
	})
}

func TestEffectiveValue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		e    Entry
		want int64
	}{
		{"override wins", Entry{PrimaryValue: 10, OverrideValue: 20}, 20},
		{"unset sentinel", Entry{PrimaryValue: 10, OverrideValue: UnsetValue}, 10},
		{"absent override", Entry{PrimaryValue: 10}, 10},
		{"override below primary still wins", Entry{PrimaryValue: 500, OverrideValue: 100}, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := EffectiveValue(tt.e); got != tt.want {
				t.Errorf("EffectiveValue = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRefresh_BuildsIndexes(t *testing.T) {
	t.Parallel()

	c := New(nil)
	if c.Ready() {
		t.Fatal("new catalog should not be ready")
	}
	snap := c.Refresh(testEntries())

	if snap.Version() != 1 {
		t.Errorf("version = %d, want 1", snap.Version())
	}
	if snap.Len() != 4 {
		t.Errorf("len = %d, want 4", snap.Len())
	}
	if e, ok := snap.LookupName("telamons chicken suit"); !ok || e.ID != "3" {
		t.Errorf("LookupName = %+v, %v", e, ok)
	}
	if e, ok := snap.LookupCode(" df "); !ok || e.ID != "2" {
		t.Errorf("LookupCode = %+v, %v", e, ok)
	}
	if e, ok := snap.Get("4"); !ok || e.Name != "Mime Mask" {
		t.Errorf("Get(4) = %+v, %v", e, ok)
	}
	if _, ok := snap.Get("99"); ok {
		t.Error("Get(99) should miss")
	}
	if c.Snapshot() != snap {
		t.Error("Snapshot() should return the swapped snapshot")
	}
}

func TestRefresh_NameCollisionKeepsLowestID(t *testing.T) {
	t.Parallel()

	c := New(nil)
	snap := c.Refresh([]Entry{
		{ID: "20", Name: "Domino Crown!", PrimaryValue: 1},
		{ID: "3", Name: "domino crown", PrimaryValue: 2},
	})
	e, ok := snap.LookupName("domino crown")
	if !ok || e.ID != "3" {
		t.Fatalf("LookupName = %+v, %v, want id 3", e, ok)
	}
	if snap.Collisions() != 1 {
		t.Errorf("collisions = %d, want 1", snap.Collisions())
	}
}

func TestBlacklist_RecomputedOnEveryRefresh(t *testing.T) {
	t.Parallel()

	c := New([]string{"mm", "nvm", "gg"})

	first := c.Refresh([]Entry{{ID: "1", Name: "Domino Crown", PrimaryValue: 1}})
	if !first.Blacklisted("mm") {
		t.Error("mm should be blacklisted when no live code mm exists")
	}

	second := c.Refresh(testEntries())
	if second.Blacklisted("mm") {
		t.Error("mm should leave the blacklist once it is a live code")
	}
	if got := second.Preserved(); len(got) != 1 || got[0] != "mm" {
		t.Errorf("preserved = %v, want [mm]", got)
	}
	if !second.Blacklisted("NVM") {
		t.Error("nvm should stay blacklisted")
	}

	third := c.Refresh([]Entry{{ID: "1", Name: "Domino Crown", PrimaryValue: 1}})
	if !third.Blacklisted("mm") {
		t.Error("mm should be blacklisted again once the code disappears")
	}

	// older snapshots are immutable
	if !first.Blacklisted("mm") || second.Blacklisted("mm") {
		t.Error("published snapshots must not change")
	}
}

func TestRefreshFrom_SourceFailureKeepsStale(t *testing.T) {
	t.Parallel()

	c := New(nil)
	c.Refresh(testEntries())

	_, err := c.RefreshFrom(context.Background(), failingSource{err: errors.New("boom")})
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("err = %v, want ErrSourceUnavailable", err)
	}
	if c.Snapshot().Version() != 1 || c.Snapshot().Len() != 4 {
		t.Error("stale snapshot should be kept on failure")
	}

	_, err = c.RefreshFrom(context.Background(), staticSource{})
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("empty source err = %v, want ErrSourceUnavailable", err)
	}
}

func TestCatalog_ConcurrentReadersDuringRefresh(t *testing.T) {
	t.Parallel()

	c := New(nil)
	c.Refresh(testEntries())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				snap := c.Snapshot()
				if _, ok := snap.LookupName("domino crown"); !ok {
					t.Error("reader observed a snapshot without domino crown")
					return
				}
			}
		}()
	}
	for i := 0; i < 50; i++ {
		c.Refresh(testEntries())
	}
	wg.Wait()
}

func TestParseItemDetails(t *testing.T) {
	t.Parallel()

	body := []byte(`{"success":true,"item_count":2,"items":{
		"1365767":["Valkyrie Helm","VH",52000,60000,-1,2,-1,-1,-1,-1],
		"1028606":["Red Baseball Cap","",1292,-1,1292,-1,-1,-1,-1,-1],
		"bad":["short"]
	}}`)

	entries, err := ParseItemDetails(body)
	if err != nil {
		t.Fatalf("ParseItemDetails: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	byID := map[string]Entry{}
	for _, e := range entries {
		byID[e.ID] = e
	}
	vh := byID["1365767"]
	if vh.Name != "Valkyrie Helm" || vh.Code != "VH" || vh.Value() != 60000 {
		t.Errorf("valkyrie = %+v", vh)
	}
	if hat := byID["1028606"]; hat.Value() != 1292 {
		t.Errorf("cap value = %d, want 1292", hat.Value())
	}
}

func TestParseItemDetails_Errors(t *testing.T) {
	t.Parallel()

	for _, body := range []string{`{bad`, `{"success":false,"items":{}}`, `{"success":true}`} {
		if _, err := ParseItemDetails([]byte(body)); err == nil {
			t.Errorf("ParseItemDetails(%s) expected error", body)
		}
	}
}

func TestHTTPSource_Fetch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			t.Error("expected a user agent")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"items":{"1":["Domino Crown","",24000000,-1]}}`))
	}))
	defer srv.Close()

	entries, err := NewHTTPSource(srv.URL).Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "Domino Crown" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestHTTPSource_Non200(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	if _, err := NewHTTPSource(srv.URL).Fetch(context.Background()); err == nil {
		t.Fatal("expected error for 429")
	}
}

func TestFileSource(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	arr := filepath.Join(dir, "entries.json")
	if err := os.WriteFile(arr, []byte(`[{"id":"1","name":"Domino Crown","primary_value":5}]`), 0o600); err != nil {
		t.Fatal(err)
	}
	details := filepath.Join(dir, "details.json")
	if err := os.WriteFile(details, []byte(`{"items":{"2":["Mime Mask","MM",9000,-1]}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := FileSource{Path: arr}.Fetch(context.Background())
	if err != nil || len(got) != 1 || got[0].Name != "Domino Crown" {
		t.Errorf("array file = %+v, %v", got, err)
	}
	got, err = FileSource{Path: details}.Fetch(context.Background())
	if err != nil || len(got) != 1 || got[0].Code != "MM" {
		t.Errorf("details file = %+v, %v", got, err)
	}
	if _, err := (FileSource{Path: filepath.Join(dir, "missing.json")}).Fetch(context.Background()); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestRefresher_LoadInitialRetries(t *testing.T) {
	t.Parallel()

	src := &flakySource{failures: 2, entries: testEntries()}
	c := New(nil)
	var refreshed, failed int
	r := NewRefresher(c, src, time.Hour, log.Nop(), RefreshHooks{
		OnRefresh: func(int, uint64, float64) { refreshed++ },
		OnFailure: func(float64) { failed++ },
	})
	r.initialBackoff = time.Millisecond

	if err := r.LoadInitial(context.Background(), 5*time.Second); err != nil {
		t.Fatalf("LoadInitial: %v", err)
	}
	if !c.Ready() {
		t.Error("catalog should be ready after initial load")
	}
	if refreshed != 1 || failed != 2 {
		t.Errorf("refreshed=%d failed=%d, want 1 and 2", refreshed, failed)
	}
}

func TestRefresher_LoadInitialGivesUp(t *testing.T) {
	t.Parallel()

	r := NewRefresher(New(nil), failingSource{err: errors.New("down")}, time.Hour, nil, RefreshHooks{})
	r.initialBackoff = time.Millisecond

	if err := r.LoadInitial(context.Background(), 20*time.Millisecond); err == nil {
		t.Fatal("expected error when the source never recovers")
	}
}

func TestRefresher_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	c := New(nil)
	r := NewRefresher(c, staticSource{entries: testEntries()}, 5*time.Millisecond, nil, RefreshHooks{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for !c.Ready() {
		select {
		case <-deadline:
			t.Fatal("refresher never refreshed")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

type failingSource struct{ err error }

func (f failingSource) Fetch(context.Context) ([]Entry, error) { return nil, f.err }

type staticSource struct{ entries []Entry }

func (s staticSource) Fetch(context.Context) ([]Entry, error) { return s.entries, nil }

type flakySource struct {
	mu       sync.Mutex
	failures int
	entries  []Entry
}

func (f *flakySource) Fetch(context.Context) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("temporarily unavailable")
	}
	return f.entries, nil
}
