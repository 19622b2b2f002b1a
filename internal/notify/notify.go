// Package notify fans alerts out to the configured webhook sinks.
package notify

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/tradewatch/internal/watch"
)

// ErrDelivery wraps every sink failure returned by Fanout.Emit.
var ErrDelivery = errors.New("alert delivery failed")

// Route binds a sink to the alert kinds it receives. Empty Kinds means all.
type Route struct {
	Name  string
	Sink  watch.AlertSink
	Kinds []watch.AlertKind
}

func (r Route) accepts(kind watch.AlertKind) bool {
	return len(r.Kinds) == 0 || slices.Contains(r.Kinds, kind)
}

// Fanout delivers an alert to every route that accepts its kind, in
// parallel. It implements watch.AlertSink.
type Fanout struct {
	routes []Route
	logger log.Logger
	// OnSend, if set, is called once per attempted route.
	OnSend func(route string, err error)
}

// NewFanout creates a fan-out sink. Routes with a nil sink are skipped.
func NewFanout(logger log.Logger, routes ...Route) *Fanout {
	if logger == nil {
		logger = log.Nop()
	}
	kept := make([]Route, 0, len(routes))
	for _, r := range routes {
		if r.Sink != nil {
			kept = append(kept, r)
		}
	}
	return &Fanout{routes: kept, logger: logger}
}

// Routes returns the number of active routes.
func (f *Fanout) Routes() int { return len(f.routes) }

// Emit sends al to every accepting route and joins the failures.
func (f *Fanout) Emit(ctx context.Context, al *watch.Alert) error {
	errs := make([]error, len(f.routes))
	var g errgroup.Group
	for i, r := range f.routes {
		if !r.accepts(al.Kind) {
			continue
		}
		g.Go(func() error {
			err := r.Sink.Emit(ctx, al)
			if f.OnSend != nil {
				f.OnSend(r.Name, err)
			}
			if err != nil {
				f.logger.Warn(ctx, "alert sink failed", "route", r.Name, "alert_id", al.ID, "err", err)
				errs[i] = fmt.Errorf("%w: %s: %w", ErrDelivery, r.Name, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
