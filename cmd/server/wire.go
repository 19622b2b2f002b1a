package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/tradewatch/internal/catalog"
	vc "github.com/linnemanlabs/tradewatch/internal/cfg"
	"github.com/linnemanlabs/tradewatch/internal/lookup"
	"github.com/linnemanlabs/tradewatch/internal/notify"
	"github.com/linnemanlabs/tradewatch/internal/notify/discord"
	"github.com/linnemanlabs/tradewatch/internal/notify/slack"
	"github.com/linnemanlabs/tradewatch/internal/postgres"
	"github.com/linnemanlabs/tradewatch/internal/vision"
	"github.com/linnemanlabs/tradewatch/internal/watch"
	"github.com/linnemanlabs/tradewatch/internal/watch/memstore"
	"github.com/linnemanlabs/tradewatch/internal/watch/pgstore"
)

// newCatalogSource picks the local file when one is configured.
func newCatalogSource(c *vc.Config) catalog.Source {
	if c.CatalogFile != "" {
		return catalog.FileSource{Path: c.CatalogFile}
	}
	return catalog.NewHTTPSource(c.CatalogURL)
}

// newStrategies builds the primary and optional secondary lookup strategies.
// Both share one limiter since they talk to the same bridge.
func newStrategies(c *vc.Config) (watch.StrategyConfig, *watch.StrategyConfig, error) {
	limiter := rate.NewLimiter(rate.Limit(c.DispatchPerSecond), c.DispatchBurst)

	primaryExt, err := newExtractor(c, c.PrimaryExtractor)
	if err != nil {
		return watch.StrategyConfig{}, nil, fmt.Errorf("primary extractor: %w", err)
	}
	primary := watch.StrategyConfig{
		Dispatcher: lookup.NewWebhookDispatcher(c.BridgeURL, c.BridgeToken, c.PrimaryCommand, limiter),
		Extractor:  primaryExt,
	}
	if c.SecondaryCommand == "" {
		return primary, nil, nil
	}

	secondaryExt, err := newExtractor(c, c.SecondaryExtractor)
	if err != nil {
		return watch.StrategyConfig{}, nil, fmt.Errorf("secondary extractor: %w", err)
	}
	return primary, &watch.StrategyConfig{
		Dispatcher: lookup.NewWebhookDispatcher(c.BridgeURL, c.BridgeToken, c.SecondaryCommand, limiter),
		Extractor:  secondaryExt,
	}, nil
}

func newExtractor(c *vc.Config, kind string) (lookup.Extractor, error) {
	if kind == vc.ExtractorPattern {
		return lookup.NewPatternExtractor(c.PatternIDRegex, c.PatternKeyRegex)
	}
	return lookup.EmbedExtractor{}, nil
}

// newVision returns nil when image analysis is disabled.
func newVision(c *vc.Config, L log.Logger, hook vision.CallHook) watch.Vision {
	switch c.VisionProvider {
	case vc.VisionClaude:
		return vision.NewAnalyzer(vision.NewClaude(c.ClaudeAPIKey, c.ClaudeModel), L, hook)
	case vc.VisionOpenAI:
		return vision.NewAnalyzer(vision.NewOpenAI(c.OpenAIAPIKey, c.OpenAIModel, c.OpenAIBaseURL), L, hook)
	default:
		return nil
	}
}

// newSink fans alerts out to every configured webhook. The Discord "main"
// hook only gets lookup alerts; the others get everything.
func newSink(c *vc.Config, L log.Logger, reg prometheus.Registerer) *notify.Fanout {
	deliveries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tradewatch_sink_deliveries_total",
		Help: "Alert deliveries by sink route and status.",
	}, []string{"route", "status"})
	reg.MustRegister(deliveries)

	var routes []notify.Route
	if c.DiscordMainWebhookURL != "" {
		routes = append(routes, notify.Route{
			Name:  "discord-main",
			Sink:  discord.New(c.DiscordMainWebhookURL, L),
			Kinds: []watch.AlertKind{watch.AlertLookup},
		})
	}
	if c.DiscordValidWebhookURL != "" {
		routes = append(routes, notify.Route{Name: "discord-valid", Sink: discord.New(c.DiscordValidWebhookURL, L)})
	}
	if c.SlackWebhookURL != "" {
		routes = append(routes, notify.Route{Name: "slack", Sink: slack.New(c.SlackWebhookURL, L)})
	}

	f := notify.NewFanout(L, routes...)
	f.OnSend = func(route string, err error) {
		status := "success"
		if err != nil {
			status = "error"
		}
		deliveries.WithLabelValues(route, status).Inc()
	}
	return f
}

// newStore opens Postgres when configured, else keeps resolutions in memory.
// The returned close func is never nil.
func newStore(ctx context.Context, c *vc.Config, L log.Logger) (watch.Store, func(), error) {
	if c.DatabaseURL == "" {
		L.Info(ctx, "using in-memory store (no database-url configured)")
		return memstore.New(), func() {}, nil
	}
	st, err := pgstore.New(ctx, c.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("pgstore init: %w", err)
	}
	L.Info(ctx, "using postgres store")
	return st, st.Close, nil
}

// observeQueries registers the per-query DB histogram and wires it to the
// postgres tracer.
func observeQueries(reg prometheus.Registerer) {
	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradewatch_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "caller", "outcome"})
	reg.MustRegister(dbQueryDuration)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, route, caller, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(route, caller, outcome).Observe(dur.Seconds())
		},
	))
}
