// Package config provides configuration management for the frame clock
// daemon and library defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Simulation SimulationConfig `mapstructure:"simulation"`
	Alerts     AlertsConfig     `mapstructure:"alerts"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// SchedulerConfig holds frame-clock policy settings shared by all outputs.
type SchedulerConfig struct {
	// TripleBuffering selects the triple-buffering policy: "never",
	// "auto" or "always". It can be overridden for the whole process via
	// the EREZ_TRIPLE_BUFFERING environment variable.
	TripleBuffering string `mapstructure:"triple_buffering"`
	// DisableDynamicMaxRenderTime disables the measured render-time
	// budget and falls back to the fixed fraction of the refresh
	// interval, for debugging scheduling behavior.
	DisableDynamicMaxRenderTime bool `mapstructure:"disable_dynamic_max_render_time"`
	// HistoryFrames is how many resolved frames of timing history each
	// output retains.
	HistoryFrames int `mapstructure:"history_frames"`
}

// SimulationConfig holds settings for the simulated-display harness.
type SimulationConfig struct {
	// Outputs describes the simulated outputs to drive.
	Outputs []OutputConfig `mapstructure:"outputs"`
	// StatsInterval is how often per-output statistics are logged.
	StatsInterval time.Duration `mapstructure:"stats_interval"`
	// Duration is how long the harness runs; zero means until signaled.
	Duration time.Duration `mapstructure:"duration"`
}

// OutputConfig describes one simulated display output.
type OutputConfig struct {
	// Name identifies the output in logs and records.
	Name string `mapstructure:"name"`
	// RefreshRate is the display refresh rate in Hz.
	RefreshRate float64 `mapstructure:"refresh_rate"`
	// MinRefreshRate is the lowest refresh rate a variable-refresh
	// display will self-refresh at; ignored in fixed mode.
	MinRefreshRate float64 `mapstructure:"min_refresh_rate"`
	// VblankDurationUs is the duration of the vertical blanking interval.
	VblankDurationUs int64 `mapstructure:"vblank_duration_us"`
	// Mode is "fixed" or "variable".
	Mode string `mapstructure:"mode"`
	// RenderTimeUs is the mean simulated render duration per frame.
	RenderTimeUs int64 `mapstructure:"render_time_us"`
	// RenderJitterUs is the simulated render duration jitter.
	RenderJitterUs int64 `mapstructure:"render_jitter_us"`
	// Animated registers a continuously ticking timeline on the output.
	Animated bool `mapstructure:"animated"`
}

// AlertsConfig holds frame-health alert settings.
type AlertsConfig struct {
	// Enabled enables or disables alerts.
	Enabled bool `mapstructure:"enabled"`
	// MissedFrameStreak is how many consecutive missed frames trigger an
	// alert.
	MissedFrameStreak int `mapstructure:"missed_frame_streak"`
	// StallFactor is how many refresh intervals a frame may stay
	// unresolved before it is considered stalled.
	StallFactor float64 `mapstructure:"stall_factor"`
	// LatenessThresholdUs is the dispatch lateness that triggers an
	// alert.
	LatenessThresholdUs int64 `mapstructure:"lateness_threshold_us"`
	// Cooldown is the minimum time between repeated alerts of the same
	// type for the same output.
	Cooldown time.Duration `mapstructure:"cooldown"`
}

// LoggingConfig holds logging-related settings.
type LoggingConfig struct {
	// Level is the minimum log level ("debug", "info", "warn", "error").
	Level string `mapstructure:"level"`
	// ToFile enables logging to a file.
	ToFile bool `mapstructure:"to_file"`
	// FilePath is the path to the log file (relative to config dir if not absolute).
	FilePath string `mapstructure:"file_path"`
	// CSVExport enables CSV export of frame timing records.
	CSVExport bool `mapstructure:"csv_export"`
	// CSVPath is the path to the CSV file.
	CSVPath string `mapstructure:"csv_path"`
	// MaxFileSize is the maximum log file size before rotation.
	MaxFileSize string `mapstructure:"max_file_size"`
	// MaxAge is the maximum age of log files in days.
	MaxAge int `mapstructure:"max_age"`
	// MaxBackups is the maximum number of old log files to retain.
	MaxBackups int `mapstructure:"max_backups"`
}

// Manager handles configuration loading and saving.
type Manager struct {
	mu       sync.RWMutex
	config   *Config
	viper    *viper.Viper
	filePath string
}

var (
	instance *Manager
	once     sync.Once
)

// GetManager returns the singleton configuration manager instance.
func GetManager() *Manager {
	once.Do(func() {
		instance = &Manager{
			viper: viper.New(),
		}
	})
	return instance
}

// Load loads the configuration from the specified file path. A missing or
// empty path falls back to defaults plus environment overrides.
func (m *Manager) Load(configPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.filePath = configPath

	m.viper.SetConfigType("yaml")
	m.setDefaults()

	// The triple-buffering override is a process-wide deployment knob,
	// read once from the environment like the rest of the config.
	if err := m.viper.BindEnv("scheduler.triple_buffering", "EREZ_TRIPLE_BUFFERING"); err != nil {
		return fmt.Errorf("failed to bind environment: %w", err)
	}

	if configPath != "" {
		m.viper.SetConfigFile(configPath)
		if err := m.viper.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				return fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	m.config = &Config{}
	if err := m.viper.Unmarshal(m.config); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return nil
}

// Save saves the current configuration to the file.
func (m *Manager) Save() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.filePath == "" {
		return fmt.Errorf("no config file path set")
	}

	return m.viper.WriteConfigAs(m.filePath)
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetConfigDir returns the configuration directory path.
func GetConfigDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "erez-frameclock"), nil
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}

// setDefaults sets default configuration values.
func (m *Manager) setDefaults() {
	// Scheduler defaults
	m.viper.SetDefault("scheduler.triple_buffering", "auto")
	m.viper.SetDefault("scheduler.disable_dynamic_max_render_time", false)
	m.viper.SetDefault("scheduler.history_frames", 600)

	// Simulation defaults: one 60 Hz fixed output
	m.viper.SetDefault("simulation.stats_interval", "2s")
	m.viper.SetDefault("simulation.duration", "0s")

	// Alerts defaults
	m.viper.SetDefault("alerts.enabled", true)
	m.viper.SetDefault("alerts.missed_frame_streak", 5)
	m.viper.SetDefault("alerts.stall_factor", 10.0)
	m.viper.SetDefault("alerts.lateness_threshold_us", 4000)
	m.viper.SetDefault("alerts.cooldown", "10s")

	// Logging defaults
	m.viper.SetDefault("logging.level", "info")
	m.viper.SetDefault("logging.to_file", false)
	m.viper.SetDefault("logging.file_path", "logs/erez-frameclock.log")
	m.viper.SetDefault("logging.csv_export", false)
	m.viper.SetDefault("logging.csv_path", "logs/frame-timings.csv")
	m.viper.SetDefault("logging.max_file_size", "10MB")
	m.viper.SetDefault("logging.max_age", 7)
	m.viper.SetDefault("logging.max_backups", 5)
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() []error {
	var errs []error

	switch c.Scheduler.TripleBuffering {
	case "never", "auto", "always":
	default:
		errs = append(errs, fmt.Errorf("invalid triple_buffering policy: %s", c.Scheduler.TripleBuffering))
	}
	if c.Scheduler.HistoryFrames < 1 {
		errs = append(errs, fmt.Errorf("history_frames must be at least 1"))
	}

	for i, out := range c.Simulation.Outputs {
		if out.Name == "" {
			errs = append(errs, fmt.Errorf("output %d: name must not be empty", i))
		}
		if out.RefreshRate <= 0 {
			errs = append(errs, fmt.Errorf("output %s: refresh_rate must be positive", out.Name))
		}
		if out.MinRefreshRate < 0 || out.MinRefreshRate > out.RefreshRate {
			errs = append(errs, fmt.Errorf("output %s: min_refresh_rate must be in [0, refresh_rate]", out.Name))
		}
		switch out.Mode {
		case "", "fixed", "variable":
		default:
			errs = append(errs, fmt.Errorf("output %s: invalid mode: %s", out.Name, out.Mode))
		}
	}

	if c.Alerts.MissedFrameStreak < 1 {
		errs = append(errs, fmt.Errorf("missed_frame_streak must be at least 1"))
	}
	if c.Alerts.StallFactor < 1 {
		errs = append(errs, fmt.Errorf("stall_factor must be at least 1"))
	}
	if c.Alerts.Cooldown < time.Second {
		errs = append(errs, fmt.Errorf("cooldown must be at least 1s"))
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Logging.Level] {
		errs = append(errs, fmt.Errorf("invalid log level: %s", c.Logging.Level))
	}

	return errs
}
