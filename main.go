// erez-frameclock - Adaptive Frame Presentation Scheduler
//
// A standalone Go daemon that drives one frame clock per simulated
// display output, predicts presentation deadlines from measured render
// times, and reports frame-health statistics and alerts.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/NaveLIL/erez-frameclock/alerter"
	"github.com/NaveLIL/erez-frameclock/config"
	"github.com/NaveLIL/erez-frameclock/frameclock"
	"github.com/NaveLIL/erez-frameclock/logger"
	"github.com/NaveLIL/erez-frameclock/models"
	"github.com/NaveLIL/erez-frameclock/monotime"
	"github.com/NaveLIL/erez-frameclock/output"
	"github.com/NaveLIL/erez-frameclock/utils"
)

const (
	appName    = "erez-frameclock"
	appVersion = "1.0.0"
)

// Application holds all application components.
type Application struct {
	config    *config.Config
	configMgr *config.Manager
	log       *logger.Logger
	outputs   []*output.Output
	displays  []*simDisplay
	anims     map[string]*animTimeline
	alerter   *alerter.Alerter
	proc      *process.Process

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	doneCh       chan struct{}
}

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	duration := flag.Duration("duration", 0, "Run for this long and exit (overrides config)")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("%s v%s\n", appName, appVersion)
		os.Exit(0)
	}

	app := &Application{doneCh: make(chan struct{})}

	if err := app.init(*configPath, *debug, *duration); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
		os.Exit(1)
	}

	app.run()
}

// init initializes all application components.
func (app *Application) init(configPath string, debug bool, duration time.Duration) error {
	var err error

	// Create context for graceful shutdown
	app.ctx, app.cancel = context.WithCancel(context.Background())

	// Initialize logger first
	app.log = logger.Get()

	// Load configuration
	app.configMgr = config.GetManager()

	if configPath == "" {
		configPath, err = config.GetDefaultConfigPath()
		if err != nil {
			return fmt.Errorf("failed to get config path: %w", err)
		}
	}

	if err := app.configMgr.Load(configPath); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	app.config = app.configMgr.Get()

	// Flag overrides
	if debug {
		app.config.Logging.Level = "debug"
	}
	if duration > 0 {
		app.config.Simulation.Duration = duration
	}

	// Get config directory for log files
	configDir := filepath.Dir(configPath)

	// Initialize logger with config
	if err := app.log.Init(&app.config.Logging, configDir); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	app.log.Infof("Starting %s v%s", appName, appVersion)
	app.log.Infof("Config loaded from: %s", configPath)

	// Validate configuration
	if errs := app.config.Validate(); len(errs) > 0 {
		for _, err := range errs {
			app.log.Warnf("Config validation warning: %v", err)
		}
	}

	// A config without outputs still gets a useful run.
	if len(app.config.Simulation.Outputs) == 0 {
		app.log.Info("No outputs configured, simulating one 60 Hz fixed output")
		app.config.Simulation.Outputs = []config.OutputConfig{{
			Name:           "sim-0",
			RefreshRate:    60.0,
			Mode:           "fixed",
			RenderTimeUs:   4000,
			RenderJitterUs: 1500,
			Animated:       true,
		}}
	}

	policy, err := parsePolicy(app.config.Scheduler.TripleBuffering)
	if err != nil {
		return err
	}
	app.log.Infof("Triple buffering policy: %s", policy)

	// Build one output per configured display
	app.anims = make(map[string]*animTimeline)
	mono := monotime.System{}
	for _, outCfg := range app.config.Simulation.Outputs {
		mode, err := parseMode(outCfg.Mode)
		if err != nil {
			return fmt.Errorf("output %s: %w", outCfg.Name, err)
		}

		display := newSimDisplay(outCfg, mono)
		out, err := output.New(output.Config{
			Name:                        outCfg.Name,
			RefreshRate:                 float32(outCfg.RefreshRate),
			MinRefreshRate:              float32(outCfg.MinRefreshRate),
			VblankDurationUs:            outCfg.VblankDurationUs,
			Mode:                        mode,
			TripleBuffering:             policy,
			DisableDynamicMaxRenderTime: app.config.Scheduler.DisableDynamicMaxRenderTime,
			Clock:                       mono,
			Listener:                    display,
			HistoryFrames:               app.config.Scheduler.HistoryFrames,
		})
		if err != nil {
			return fmt.Errorf("failed to create output %s: %w", outCfg.Name, err)
		}
		display.attach(out)

		app.outputs = append(app.outputs, out)
		app.displays = append(app.displays, display)

		app.log.Infof("Output %s: %s, %s mode",
			outCfg.Name, utils.FormatHz(float32(outCfg.RefreshRate)), mode)
	}

	// Initialize alerter
	app.alerter = alerter.New(&app.config.Alerts)

	// Process handle for resource stats
	app.proc, err = process.NewProcess(int32(os.Getpid()))
	if err != nil {
		app.log.Warnf("Process stats unavailable: %v", err)
		app.proc = nil
	}

	return nil
}

// run starts all components and runs the main loop.
func (app *Application) run() {
	// Set up signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Start alerter
	if err := app.alerter.Start(app.ctx); err != nil {
		app.log.Errorf("Failed to start alerter: %v", err)
		return
	}

	app.alerter.AddHandler(func(alert *models.Alert) {
		app.log.Warnf("ALERT [%s] %s", alert.Type, alert.Message)
	})

	// Start outputs and kick off their first frames
	for i, out := range app.outputs {
		if err := out.Start(app.ctx); err != nil {
			app.log.Errorf("Failed to start output %s: %v", out.Name(), err)
			return
		}

		outCfg := app.config.Simulation.Outputs[i]
		if outCfg.Animated {
			anim := &animTimeline{}
			app.anims[out.Name()] = anim
			out.AddTimeline(anim)
		}

		if err := out.ScheduleUpdate(); err != nil {
			app.log.Errorf("Failed to schedule first frame on %s: %v", out.Name(), err)
			return
		}
		app.log.Infof("Output %s running, priority %d", out.Name(), out.Priority())
	}

	// Periodic stats and alert checks
	go app.statsLoop()

	// Optional fixed run duration
	if d := app.config.Simulation.Duration; d > 0 {
		app.log.Infof("Running for %s", d)
		time.AfterFunc(d, func() {
			app.log.Info("Run duration elapsed")
			app.shutdown()
		})
	}

	// Start signal handler
	go func() {
		select {
		case <-sigCh:
			app.log.Info("Received shutdown signal")
			app.shutdown()
		case <-app.ctx.Done():
		}
	}()

	app.log.Info("Application started")

	<-app.doneCh
}

// statsLoop periodically logs per-output statistics and feeds the
// alerter.
func (app *Application) statsLoop() {
	interval := app.config.Simulation.StatsInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-app.ctx.Done():
			return
		case <-ticker.C:
			for _, out := range app.outputs {
				stats := out.Stats()
				app.alerter.Check(stats)
				app.logStats(out, stats)
			}
			app.logProcessStats()
		}
	}
}

// logStats logs one output's health snapshot.
func (app *Application) logStats(out *output.Output, stats output.Stats) {
	s := stats.Summary
	var fps float64
	if s.Window > 0 {
		fps = float64(s.Presented) / s.Window.Seconds()
	}

	entry := app.log.Output(stats.Name)
	entry.Infof("state=%s frames=%d in_flight=%d fps=%.1f missed=%d/%d max_lateness=%s mean_render=%s",
		stats.State, stats.FrameCount, stats.InFlight, fps,
		s.Missed, s.Frames,
		utils.FormatUs(s.MaxLatenessUs), utils.FormatUs(s.MeanRenderUs))

	entry.Debugf("max render time: %s", stats.MaxRenderTime)

	if anim, ok := app.anims[out.Name()]; ok {
		ticks, spanMs := anim.Progress()
		entry.Debugf("animation: %d ticks over %dms", ticks, spanMs)
	}
}

// logProcessStats logs the daemon's own resource usage.
func (app *Application) logProcessStats() {
	if app.proc == nil {
		return
	}
	cpuPct, err := app.proc.CPUPercent()
	if err != nil {
		return
	}
	memInfo, err := app.proc.MemoryInfo()
	if err != nil {
		return
	}
	app.log.Debugf("Process: CPU %s, RSS %d MB",
		utils.FormatPercent(cpuPct/100), memInfo.RSS/1024/1024)
}

// shutdown gracefully shuts down all components.
func (app *Application) shutdown() {
	app.shutdownOnce.Do(func() {
		app.log.Info("Shutting down...")

		// Stop components in reverse order with a timeout. The shared
		// context is cancelled last so dispatch loops drain their queued
		// work before their clocks are destroyed.
		done := make(chan struct{})
		go func() {
			for _, display := range app.displays {
				display.close()
			}
			for _, out := range app.outputs {
				out.Stop()
			}
			if app.alerter != nil {
				app.alerter.Stop()
			}
			app.cancel()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			app.log.Warn("Shutdown timeout, forcing exit")
		}

		app.exportTimings()

		// Close logger
		if app.log != nil {
			app.log.Close()
		}

		close(app.doneCh)
	})
}

// exportTimings writes the collected per-output timing history to CSV
// files next to the configured CSV path.
func (app *Application) exportTimings() {
	if !app.config.Logging.CSVExport {
		return
	}

	dir := filepath.Dir(app.config.Logging.CSVPath)
	timestamp := time.Now().Format("2006-01-02_15-04-05")

	for _, out := range app.outputs {
		timings := out.History().GetLast(out.History().Size())
		if len(timings) == 0 {
			continue
		}
		path := filepath.Join(dir, fmt.Sprintf("%s-%s-%s.csv", appName, out.Name(), timestamp))
		if err := app.log.ExportTimingsCSV(path, timings); err != nil {
			app.log.Errorf("Failed to export timings for %s: %v", out.Name(), err)
			continue
		}
		app.log.Infof("Timings for %s exported to: %s", out.Name(), path)
	}
}

// parsePolicy maps the config string to a triple-buffering policy.
func parsePolicy(s string) (frameclock.TripleBufferingPolicy, error) {
	switch s {
	case "", "auto":
		return frameclock.TripleBufferingAuto, nil
	case "never":
		return frameclock.TripleBufferingNever, nil
	case "always":
		return frameclock.TripleBufferingAlways, nil
	default:
		return 0, fmt.Errorf("invalid triple_buffering policy: %q", s)
	}
}

// parseMode maps the config string to a refresh mode.
func parseMode(s string) (frameclock.Mode, error) {
	switch s {
	case "", "fixed":
		return frameclock.ModeFixed, nil
	case "variable":
		return frameclock.ModeVariable, nil
	default:
		return 0, fmt.Errorf("invalid mode: %q", s)
	}
}
