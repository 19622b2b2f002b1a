package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/tidwall/gjson"
)

const (
	sourceTimeout   = 15 * time.Second
	maxSourceBody   = 64 << 20
	sourceUserAgent = "tradewatch/1.0"
)

// Source fetches the raw catalog entries.
type Source interface {
	Fetch(ctx context.Context) ([]Entry, error)
}

// HTTPSource reads the item-details API:
//
//	{"success": true, "item_count": 2, "items": {"1028606": ["Red Baseball Cap", "", 1292, -1, ...]}}
//
// Tuple positions are name, code, primary value, override value.
type HTTPSource struct {
	url    string
	client *http.Client
}

// NewHTTPSource creates a source for the given item-details URL.
func NewHTTPSource(url string) *HTTPSource {
	return &HTTPSource{
		url:    url,
		client: &http.Client{Timeout: sourceTimeout},
	}
}

// Fetch downloads and parses the item table.
func (s *HTTPSource) Fetch(ctx context.Context) ([]Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", sourceUserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req) //nolint:gosec // url comes from trusted config
	if err != nil {
		return nil, fmt.Errorf("fetch item details: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSourceBody))
	if err != nil {
		return nil, fmt.Errorf("read item details: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("item details returned %d: %s", resp.StatusCode, truncate(string(body), 256))
	}
	return ParseItemDetails(body)
}

// ParseItemDetails parses an item-details document.
func ParseItemDetails(body []byte) ([]Entry, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("item details: invalid json")
	}
	doc := gjson.ParseBytes(body)
	if s := doc.Get("success"); s.Exists() && !s.Bool() {
		return nil, errors.New("item details: success=false")
	}
	items := doc.Get("items")
	if !items.IsObject() {
		return nil, errors.New("item details: missing items object")
	}

	var out []Entry
	items.ForEach(func(key, value gjson.Result) bool {
		tuple := value.Array()
		if len(tuple) < 3 {
			return true
		}
		e := Entry{
			ID:           key.String(),
			Name:         tuple[0].String(),
			Code:         tuple[1].String(),
			PrimaryValue: tuple[2].Int(),
		}
		if len(tuple) > 3 {
			e.OverrideValue = tuple[3].Int()
		}
		out = append(out, e)
		return true
	})
	return out, nil
}

// FileSource reads entries from a local file, either an item-details document
// or a JSON array of Entry.
type FileSource struct {
	Path string
}

// Fetch reads and parses the file.
func (f FileSource) Fetch(_ context.Context) ([]Entry, error) {
	body, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	if gjson.GetBytes(body, "items").Exists() {
		return ParseItemDetails(body)
	}
	var entries []Entry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("decode catalog file: %w", err)
	}
	return entries, nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
