package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/terribilis/litclock2/internal/config"
	"github.com/terribilis/litclock2/internal/epd"
	appLog "github.com/terribilis/litclock2/internal/log"
	"github.com/terribilis/litclock2/internal/quotes"
	"github.com/terribilis/litclock2/internal/render"
	"github.com/terribilis/litclock2/internal/sched"
	"github.com/terribilis/litclock2/internal/web"
)

type flagConfig struct {
	configPath string
	listen     string
	once       bool
	renderOnly bool
	dump       bool
	regenerate bool
	noClock    bool
}

func main() {
	appLog.Info("litclock starting", "version", "2.0.0")

	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if conf.LogFile != "" {
		if err := appLog.SetFile(conf.LogFile); err != nil {
			appLog.Error("log file unavailable, continuing on stderr only", err)
		}
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	cfgStore := config.NewStore(flags.configPath, conf)

	appLog.Info("effective config",
		"listen", conf.Listen,
		"quotes_path", conf.QuotesPath,
		"update_interval", conf.UpdateInterval,
		"font_size", conf.FontSize,
		"content_filter", string(conf.ContentFilter),
		"once", flags.once,
		"render_only", flags.renderOnly,
		"no_clock", flags.noClock,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	// Quote index. A missing or empty source is not fatal: the web UI
	// can upload a corpus later.
	quoteStore := quotes.NewStore(nil)
	if idx, err := quotes.LoadFile(conf.QuotesPath); err != nil {
		appLog.Warn("quote source unavailable, starting with empty index",
			"path", conf.QuotesPath, "err", err)
	} else {
		quoteStore = quotes.NewStore(idx)
		appLog.Info("quote index loaded",
			"entries", idx.Len(),
			"minutes", len(idx.TimeKeys()),
			"malformed", idx.Malformed())
	}

	if flags.regenerate {
		jsonPath := filepath.Join(filepath.Dir(conf.QuotesPath), "quotes.json")
		if err := quoteStore.Index().ExportJSON(jsonPath); err != nil {
			appLog.Error("quote JSON export failed", err, "path", jsonPath)
		} else {
			appLog.Info("quote JSON exported", "path", jsonPath)
		}
	}

	comp, err := render.New(render.PanelWidth, render.PanelHeight)
	if err != nil {
		appLog.Error("compositor init failed", err)
		os.Exit(1)
	}

	previewPath := filepath.Join(filepath.Dir(conf.QuotesPath), "preview.png")

	if flags.renderOnly {
		os.Exit(runRenderOnly(cfgStore, quoteStore, comp, previewPath))
	}

	// Panel hardware.
	tr, err := epd.OpenSPI()
	if err != nil {
		if flags.noClock {
			appLog.Warn("panel transport unavailable, running web-only", "err", err)
		} else {
			appLog.Error("failed to open panel transport", err)
			os.Exit(1)
		}
	}
	var driver *epd.Driver
	if tr != nil {
		driver = epd.New(tr, epd.Options{})
		if err := driver.Initialize(ctx); err != nil {
			// Not fatal in daemon mode: the loop retries each cycle.
			appLog.Error("panel initialize failed", err, "state", driver.State().String())
			if flags.once {
				os.Exit(1)
			}
		}
	}

	panelState := func() string {
		if driver == nil {
			return "absent"
		}
		return driver.State().String()
	}

	// Web interface.
	srv := &http.Server{
		Addr:    conf.Listen,
		Handler: web.NewServer(cfgStore, quoteStore, panelState, previewPath).Handler(),
	}
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+conf.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLog.Error("HTTP server failed", err)
			cancel()
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if flags.noClock || driver == nil {
		<-ctx.Done()
		shutdownPanel(driver)
		appLog.Info("litclock exiting")
		return
	}

	loop := &sched.Loop{
		Config:   cfgStore,
		Quotes:   quoteStore,
		Renderer: comp,
		Panel:    driver,
	}
	if flags.dump {
		loop.AfterRender = func(entry quotes.Entry, res *render.Result) {
			if err := render.WritePreview(res, previewPath); err != nil {
				appLog.Error("preview dump failed", err, "path", previewPath)
			}
		}
	}

	// Nightly full clear keeps tri-color ghosting in check.
	if expr := conf.MaintenanceCron; expr != "" {
		c := cron.New()
		_, err := c.AddFunc(expr, func() {
			if driver.State() != epd.StateInitialized {
				appLog.Warn("skipping maintenance clear, panel not ready",
					"state", driver.State().String())
				return
			}
			appLog.Info("maintenance clear starting")
			if err := driver.Clear(ctx); err != nil {
				appLog.Error("maintenance clear failed", err)
				return
			}
			appLog.Info("maintenance clear done")
		})
		if err != nil {
			appLog.Error("invalid maintenance_cron, maintenance disabled", err, "expr", expr)
		} else {
			c.Start()
			defer c.Stop()
		}
	}

	if flags.once {
		loop.Tick(ctx)
	} else {
		loop.Run(ctx)
	}

	shutdownPanel(driver)
	appLog.Info("litclock exiting")
}

// shutdownPanel leaves an initialized panel in deep sleep on the way
// out; the image persists without power.
func shutdownPanel(driver *epd.Driver) {
	if driver == nil || driver.State() != epd.StateInitialized {
		return
	}
	sleepCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := driver.Sleep(sleepCtx); err != nil {
		appLog.Error("panel sleep on shutdown failed", err)
	}
}

// runRenderOnly renders the quote for the current minute to the preview
// file without touching any hardware.
func runRenderOnly(cfgStore *config.Store, qs *quotes.Store, comp *render.Compositor, previewPath string) int {
	cfg := cfgStore.Current()
	timeKey := time.Now().Format("15:04")

	entry, err := qs.Lookup(timeKey, cfg.ContentFilter)
	if err != nil {
		appLog.Error("no quote to render", err, "time_key", timeKey)
		return 1
	}
	res, err := comp.Render(entry, cfg)
	if err != nil {
		appLog.Error("render failed", err)
		return 1
	}
	if err := render.WritePreview(res, previewPath); err != nil {
		appLog.Error("preview write failed", err, "path", previewPath)
		return 1
	}
	appLog.Info("preview written",
		"path", previewPath,
		"time_key", timeKey,
		"book", entry.Book,
		"truncated", res.Truncated)
	return 0
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/litclock/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one lookup+render+display cycle and exit")
	flag.BoolVar(&cfg.renderOnly, "render-only", false, "Render the current quote to preview.png; do not touch hardware")
	flag.BoolVar(&cfg.dump, "dump", false, "Write preview.png after every rendered cycle")
	flag.BoolVar(&cfg.regenerate, "regenerate", false, "Export the quote index as quotes.json at startup")
	flag.BoolVar(&cfg.noClock, "no-clock", false, "Serve the web interface only; do not run the refresh loop")

	flag.Parse()
	return cfg
}
