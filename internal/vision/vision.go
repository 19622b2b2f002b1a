// Package vision asks a multimodal model whether an image shows tradeable
// items and which ones. Detections are unvalidated and must be matched
// against the catalog before use.
package vision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/tradewatch/internal/match"
)

var tracer = otel.Tracer("github.com/linnemanlabs/tradewatch/internal/vision")

const (
	fetchTimeout      = 30 * time.Second
	maxImageBytes     = 20 << 20
	defaultMIME       = "image/jpeg"
	relevanceTokens   = 10
	extractionTokens  = 1024
	maxLoggedResponse = 200
)

// ErrNotImage is returned when a fetched URL is not an image.
var ErrNotImage = errors.New("not an image")

// Image is a downloaded image.
type Image struct {
	URL  string
	MIME string
	Data []byte
}

// Provider sends one image and one prompt to a model and returns its text.
type Provider interface {
	Name() string
	Complete(ctx context.Context, img *Image, prompt string, maxTokens int) (string, error)
}

// CallHook observes provider calls.
type CallHook func(provider, call string, duration float64, err error)

// Analyzer classifies and extracts items from images.
type Analyzer struct {
	provider Provider
	http     *http.Client
	logger   log.Logger
	onCall   CallHook
}

// NewAnalyzer creates an Analyzer. onCall may be nil.
func NewAnalyzer(p Provider, logger log.Logger, onCall CallHook) *Analyzer {
	if logger == nil {
		logger = log.Nop()
	}
	return &Analyzer{
		provider: p,
		http:     &http.Client{Timeout: fetchTimeout},
		logger:   logger,
		onCall:   onCall,
	}
}

// Fetch downloads an image.
func (a *Analyzer) Fetch(ctx context.Context, url string) (*Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := a.http.Do(req) //nolint:gosec // image urls come from the bridge
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch image: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}

	mt := defaultMIME
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if parsed, _, err := mime.ParseMediaType(ct); err == nil {
			mt = parsed
		}
	}
	if !strings.HasPrefix(mt, "image/") {
		if sniffed := http.DetectContentType(data); strings.HasPrefix(sniffed, "image/") {
			mt = sniffed
		} else {
			return nil, fmt.Errorf("%w: %s", ErrNotImage, mt)
		}
	}
	return &Image{URL: url, MIME: mt, Data: data}, nil
}

// IsRelevant asks whether the image shows tradeable items.
func (a *Analyzer) IsRelevant(ctx context.Context, img *Image) (bool, error) {
	out, err := a.complete(ctx, "relevance", img, relevancePrompt, relevanceTokens)
	if err != nil {
		return false, err
	}
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(out)), "yes"), nil
}

// ExtractEntities asks for every item named or shown in the image.
func (a *Analyzer) ExtractEntities(ctx context.Context, img *Image) ([]match.Detection, error) {
	out, err := a.complete(ctx, "extraction", img, extractionPrompt, extractionTokens)
	if err != nil {
		return nil, err
	}
	dets, err := ParseDetections(out)
	if err != nil {
		a.logger.Warn(ctx, "unparseable extraction response",
			"provider", a.provider.Name(),
			"response", truncate(out, maxLoggedResponse),
			"error", err,
		)
		return nil, nil
	}
	return dets, nil
}

func (a *Analyzer) complete(ctx context.Context, call string, img *Image, prompt string, maxTokens int) (string, error) {
	ctx, span := tracer.Start(ctx, "vision."+call, trace.WithAttributes(
		attribute.String("vision.provider", a.provider.Name()),
		attribute.String("vision.mime", img.MIME),
		attribute.Int("vision.image_bytes", len(img.Data)),
	))
	defer span.End()

	start := time.Now()
	out, err := a.provider.Complete(ctx, img, prompt, maxTokens)
	if a.onCall != nil {
		a.onCall(a.provider.Name(), call, time.Since(start).Seconds(), err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("%s %s: %w", a.provider.Name(), call, err)
	}
	return out, nil
}

var (
	fenceOpen  = regexp.MustCompile("^```[a-zA-Z]*\\s*")
	fenceClose = regexp.MustCompile("\\s*```\\s*$")
	nonDigits  = regexp.MustCompile(`\D`)
)

// ParseDetections parses an extraction response: a JSON array of
// {"name", "value"} objects or bare strings, optionally inside a code fence.
// Values may be numbers or formatted strings like "4,200,000".
func ParseDetections(raw string) ([]match.Detection, error) {
	text := strings.TrimSpace(raw)
	text = fenceOpen.ReplaceAllString(text, "")
	text = fenceClose.ReplaceAllString(text, "")
	text = strings.TrimSpace(text)

	if !gjson.Valid(text) {
		return nil, errors.New("response is not json")
	}
	doc := gjson.Parse(text)
	if !doc.IsArray() {
		return nil, errors.New("response is not a json array")
	}

	var out []match.Detection
	doc.ForEach(func(_, e gjson.Result) bool {
		switch {
		case e.Type == gjson.String:
			if name := strings.TrimSpace(e.String()); name != "" {
				out = append(out, match.Detection{Name: name})
			}
		case e.IsObject():
			name := strings.TrimSpace(e.Get("name").String())
			if name == "" {
				return true
			}
			out = append(out, match.Detection{Name: name, Value: parseValue(e.Get("value"))})
		}
		return true
	})
	return out, nil
}

func parseValue(v gjson.Result) int64 {
	switch v.Type {
	case gjson.Number:
		return v.Int()
	case gjson.String:
		n, err := strconv.ParseInt(nonDigits.ReplaceAllString(v.String(), ""), 10, 64)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
