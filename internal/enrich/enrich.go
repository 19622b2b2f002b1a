// Package enrich fetches valuation, avatar and thumbnail data for resolved
// identities and catalog items. Every call is fail-soft: errors are logged
// and reported as zero or empty values.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/tidwall/gjson"
)

const (
	DefaultInventoryURL = "https://inventory.roblox.com"
	DefaultThumbnailURL = "https://thumbnails.roblox.com"

	// DefaultMaxPages bounds the collectibles walk.
	DefaultMaxPages = 50

	pageSize     = 100
	maxBody      = 8 << 20
	valueTimeout = 5 * time.Second
	imageTimeout = 5 * time.Second
)

// Config configures a Client. Zero values use the defaults.
type Config struct {
	InventoryURL string
	ThumbnailURL string
	MaxPages     int
}

// Client talks to the inventory and thumbnail APIs.
type Client struct {
	inventoryURL string
	thumbnailURL string
	maxPages     int
	http         *http.Client
	logger       log.Logger
}

// New creates a Client.
func New(cfg Config, logger log.Logger) *Client {
	if cfg.InventoryURL == "" {
		cfg.InventoryURL = DefaultInventoryURL
	}
	if cfg.ThumbnailURL == "" {
		cfg.ThumbnailURL = DefaultThumbnailURL
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Client{
		inventoryURL: strings.TrimRight(cfg.InventoryURL, "/"),
		thumbnailURL: strings.TrimRight(cfg.ThumbnailURL, "/"),
		maxPages:     cfg.MaxPages,
		http:         &http.Client{},
		logger:       logger,
	}
}

// errPageCap reports that the collectibles walk stopped at maxPages.
var errPageCap = errors.New("collectibles page cap reached")

// FetchValuation sums the recent average price of every collectible the
// identity owns. A request failure yields 0 and partial sums are discarded.
// Hitting the page cap keeps the sum of the pages read.
func (c *Client) FetchValuation(ctx context.Context, externalID string) int64 {
	v, pages, err := c.valuation(ctx, externalID)
	if errors.Is(err, errPageCap) {
		c.logger.Warn(ctx, "valuation truncated", "external_id", externalID, "valuation", v, "pages", pages)
		return v
	}
	if err != nil {
		c.logger.Warn(ctx, "valuation fetch failed", "external_id", externalID, "pages", pages, "error", err)
		return 0
	}
	c.logger.Info(ctx, "valuation fetched", "external_id", externalID, "valuation", v, "pages", pages)
	return v
}

func (c *Client) valuation(ctx context.Context, externalID string) (int64, int, error) {
	endpoint := fmt.Sprintf("%s/v1/users/%s/assets/collectibles", c.inventoryURL, url.PathEscape(externalID))

	var (
		total  int64
		cursor string
		pages  int
	)
	for pages < c.maxPages {
		q := url.Values{"limit": {fmt.Sprint(pageSize)}, "sortOrder": {"Asc"}}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		body, err := c.get(ctx, endpoint+"?"+q.Encode(), valueTimeout)
		if err != nil {
			return 0, pages, err
		}
		pages++

		data := gjson.GetBytes(body, "data").Array()
		if len(data) == 0 {
			return total, pages, nil
		}
		for _, e := range data {
			total += e.Get("recentAveragePrice").Int()
		}
		cursor = gjson.GetBytes(body, "nextPageCursor").String()
		if cursor == "" {
			return total, pages, nil
		}
	}
	return total, pages, errPageCap
}

// FetchAvatar returns the headshot URL of an identity, or "".
func (c *Client) FetchAvatar(ctx context.Context, externalID string) string {
	q := url.Values{
		"userIds":    {externalID},
		"size":       {"150x150"},
		"format":     {"Png"},
		"isCircular": {"false"},
	}
	return c.imageURL(ctx, c.thumbnailURL+"/v1/users/avatar-headshot?"+q.Encode(), "avatar", externalID)
}

// FetchThumbnail returns the thumbnail URL of a catalog item, or "".
func (c *Client) FetchThumbnail(ctx context.Context, catalogID string) string {
	q := url.Values{
		"assetIds":     {catalogID},
		"returnPolicy": {"PlaceHolder"},
		"size":         {"420x420"},
		"format":       {"Png"},
		"isCircular":   {"false"},
	}
	return c.imageURL(ctx, c.thumbnailURL+"/v1/assets?"+q.Encode(), "thumbnail", catalogID)
}

func (c *Client) imageURL(ctx context.Context, endpoint, kind, id string) string {
	body, err := c.get(ctx, endpoint, imageTimeout)
	if err != nil {
		c.logger.Warn(ctx, kind+" fetch failed", "id", id, "error", err)
		return ""
	}
	return gjson.GetBytes(body, "data.0.imageUrl").String()
}

func (c *Client) get(ctx context.Context, endpoint string, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req) //nolint:gosec // base urls come from trusted config
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	if !gjson.ValidBytes(body) {
		return nil, errors.New("invalid json response")
	}
	return body, nil
}
