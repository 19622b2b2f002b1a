package watch

import (
	"context"
	"time"

	"github.com/linnemanlabs/tradewatch/internal/correlate"
	"github.com/linnemanlabs/tradewatch/internal/lookup"
	"github.com/linnemanlabs/tradewatch/internal/match"
	"github.com/linnemanlabs/tradewatch/internal/vision"
)

// Dispatcher sends one lookup command. An error means no reply will come.
type Dispatcher interface {
	Dispatch(ctx context.Context, lane correlate.Lane, subjectID string) error
}

// Enricher fetches identity and item data. Implementations are fail-soft.
type Enricher interface {
	FetchValuation(ctx context.Context, externalID string) int64
	FetchAvatar(ctx context.Context, externalID string) string
	FetchThumbnail(ctx context.Context, catalogID string) string
}

// Vision classifies and extracts items from posted images.
type Vision interface {
	Fetch(ctx context.Context, url string) (*vision.Image, error)
	IsRelevant(ctx context.Context, img *vision.Image) (bool, error)
	ExtractEntities(ctx context.Context, img *vision.Image) ([]match.Detection, error)
}

// AlertSink delivers alerts.
type AlertSink interface {
	Emit(ctx context.Context, al *Alert) error
}

// Store persists resolutions.
type Store interface {
	Get(ctx context.Context, id string) (*Resolution, bool, error)
	GetBySubject(ctx context.Context, subjectID string) (*Resolution, bool, error)
	Put(ctx context.Context, r *Resolution) error
	// Recent returns terminal resolutions completed after since, newest first.
	Recent(ctx context.Context, since time.Time, limit int) ([]*Resolution, error)
}

// StrategyConfig wires one lookup strategy.
type StrategyConfig struct {
	Dispatcher Dispatcher
	Extractor  lookup.Extractor
}
