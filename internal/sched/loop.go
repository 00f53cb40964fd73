// Package sched runs the refresh loop: once per configured interval it
// snapshots the config, looks up the quote for the current minute,
// renders it, and pushes it to the panel. Every failure is contained
// within its cycle; the loop only exits when its context is cancelled.
package sched

import (
	"context"
	"errors"
	"time"

	"github.com/terribilis/litclock2/internal/config"
	"github.com/terribilis/litclock2/internal/epd"
	appLog "github.com/terribilis/litclock2/internal/log"
	"github.com/terribilis/litclock2/internal/quotes"
	"github.com/terribilis/litclock2/internal/render"
)

// Panel is the slice of the driver the loop needs. *epd.Driver
// satisfies it; tests substitute fakes.
type Panel interface {
	State() epd.State
	Initialize(ctx context.Context) error
	Display(ctx context.Context, black, red *render.BitPlane) error
}

// Renderer produces the two planes for an entry.
type Renderer interface {
	Render(entry quotes.Entry, cfg *config.Config) (*render.Result, error)
}

// Loop is the refresh scheduler. Construct with the fields set; zero
// Now defaults to time.Now.
type Loop struct {
	Config   *config.Store
	Quotes   *quotes.Store
	Renderer Renderer
	Panel    Panel

	// Now is the clock source, overridable in tests.
	Now func() time.Time

	// AfterRender, when set, observes every successful render before the
	// display attempt. The daemon uses it for the preview dump.
	AfterRender func(entry quotes.Entry, res *render.Result)
}

func (l *Loop) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Run ticks immediately, then keeps ticking at the interval read from
// each cycle's config snapshot until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	appLog.Info("refresh loop starting")
	for {
		interval := l.Tick(ctx)
		if err := sleepFor(ctx, interval); err != nil {
			appLog.Info("refresh loop stopping", "reason", err)
			return
		}
	}
}

// Tick runs one cycle and returns the delay until the next one. All
// errors are logged and contained; Tick never panics the loop.
func (l *Loop) Tick(ctx context.Context) time.Duration {
	cfg, err := l.Config.Snapshot()
	if err != nil {
		appLog.Warn("config snapshot failed, using previous", "err", err)
	}
	interval := time.Duration(cfg.UpdateInterval) * time.Second

	timeKey := l.now().Format("15:04")

	entry, err := l.Quotes.Lookup(timeKey, cfg.ContentFilter)
	if err != nil {
		if errors.Is(err, quotes.ErrNoMatch) {
			// Previous image stays on the panel.
			appLog.Info("no quote for this minute, skipping cycle",
				"time_key", timeKey, "filter", string(cfg.ContentFilter))
		} else {
			appLog.Error("quote lookup failed", err, "time_key", timeKey)
		}
		return interval
	}

	res, err := l.Renderer.Render(entry, cfg)
	if err != nil {
		appLog.Error("render failed, skipping cycle", err, "time_key", timeKey)
		return interval
	}
	if l.AfterRender != nil {
		l.AfterRender(entry, res)
	}

	if st := l.Panel.State(); st != epd.StateInitialized {
		appLog.Warn("panel not ready, attempting initialize", "state", st.String())
		if err := l.Panel.Initialize(ctx); err != nil {
			appLog.Error("panel initialize failed, skipping display this cycle", err)
			return interval
		}
	}

	if err := l.Panel.Display(ctx, res.Black, res.Red); err != nil {
		// No in-cycle retry; the next scheduled cycle is the retry.
		appLog.Error("display failed", err, "time_key", timeKey, "state", l.Panel.State().String())
		return interval
	}

	appLog.Info("display updated",
		"time_key", timeKey,
		"book", entry.Book,
		"truncated", res.Truncated,
		"lines", res.Lines)
	return interval
}

func sleepFor(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
