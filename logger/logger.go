// Package logger provides structured logging and CSV export of frame
// timing records.
package logger

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/NaveLIL/erez-frameclock/config"
	"github.com/NaveLIL/erez-frameclock/models"
)

// Logger is the application logger with CSV frame-timing export support.
type Logger struct {
	*logrus.Logger
	csvWriter   *csv.Writer
	csvFile     *os.File
	csvMu       sync.Mutex
	logFile     *lumberjack.Logger
	config      *config.LoggingConfig
	initialized bool
}

var (
	instance *Logger
	once     sync.Once
)

// Get returns the singleton logger instance.
func Get() *Logger {
	once.Do(func() {
		instance = &Logger{
			Logger: logrus.New(),
		}
	})
	return instance
}

// Init initializes the logger with the provided configuration.
func (l *Logger) Init(cfg *config.LoggingConfig, configDir string) error {
	l.config = cfg

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})

	if cfg.ToFile {
		logPath := cfg.FilePath
		if !filepath.IsAbs(logPath) {
			logPath = filepath.Join(configDir, logPath)
		}

		if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}

		maxSize := 10 // Default 10 MB
		if cfg.MaxFileSize != "" {
			fmt.Sscanf(cfg.MaxFileSize, "%dMB", &maxSize)
		}

		l.logFile = &lumberjack.Logger{
			Filename:   logPath,
			MaxSize:    maxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   true,
		}

		l.SetOutput(io.MultiWriter(os.Stdout, l.logFile))
	} else {
		l.SetOutput(os.Stdout)
	}

	if cfg.CSVExport {
		csvPath := cfg.CSVPath
		if !filepath.IsAbs(csvPath) {
			csvPath = filepath.Join(configDir, csvPath)
		}

		if err := l.initCSV(csvPath); err != nil {
			l.Warnf("Failed to initialize CSV export: %v", err)
		}
	}

	l.initialized = true
	l.Info("Logger initialized")
	return nil
}

var csvHeader = []string{
	"Timestamp",
	"Output",
	"Sequence",
	"Dispatch_us",
	"Lateness_us",
	"Target_Presentation_us",
	"Presentation_us",
	"Dispatch_To_Swap_us",
	"Swap_To_GPU_Done_us",
	"Swap_To_Flip_us",
	"Presented",
	"Missed",
}

// initCSV initializes the CSV writer.
func (l *Logger) initCSV(path string) error {
	l.csvMu.Lock()
	defer l.csvMu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	isNewFile := false
	if _, err := os.Stat(path); os.IsNotExist(err) {
		isNewFile = true
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	l.csvFile = file
	l.csvWriter = csv.NewWriter(file)

	if isNewFile {
		if err := l.csvWriter.Write(csvHeader); err != nil {
			return err
		}
		l.csvWriter.Flush()
	}

	return nil
}

func timingRecord(t *models.FrameTiming) []string {
	return []string{
		t.Timestamp.Format("2006-01-02 15:04:05.000"),
		t.Output,
		strconv.FormatInt(t.Sequence, 10),
		strconv.FormatInt(t.DispatchTimeUs, 10),
		strconv.FormatInt(t.LatenessUs, 10),
		strconv.FormatInt(t.TargetPresentationTimeUs, 10),
		strconv.FormatInt(t.PresentationTimeUs, 10),
		strconv.FormatInt(t.DispatchToSwapUs, 10),
		strconv.FormatInt(t.SwapToGPUDoneUs, 10),
		strconv.FormatInt(t.SwapToFlipUs, 10),
		strconv.FormatBool(t.Presented),
		strconv.FormatBool(t.Missed),
	}
}

// LogTiming writes a frame timing record to the CSV file.
func (l *Logger) LogTiming(t *models.FrameTiming) {
	if l.csvWriter == nil || l.csvFile == nil {
		return
	}

	l.csvMu.Lock()
	defer l.csvMu.Unlock()

	if err := l.csvWriter.Write(timingRecord(t)); err != nil {
		l.Errorf("Failed to write CSV record: %v", err)
		return
	}
	l.csvWriter.Flush()
}

// ExportTimingsCSV exports frame timing records to a new CSV file.
func (l *Logger) ExportTimingsCSV(path string, timings []models.FrameTiming) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write(csvHeader); err != nil {
		return err
	}

	for i := range timings {
		if err := writer.Write(timingRecord(&timings[i])); err != nil {
			return err
		}
	}

	return nil
}

// Close closes the logger and associated resources.
func (l *Logger) Close() {
	l.csvMu.Lock()
	defer l.csvMu.Unlock()

	if l.csvWriter != nil {
		l.csvWriter.Flush()
	}
	if l.csvFile != nil {
		l.csvFile.Close()
	}
	if l.logFile != nil {
		l.logFile.Close()
	}

	l.Info("Logger closed")
}

// WithFields is a convenience wrapper for logrus.WithFields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.Logger.WithFields(fields)
}

// Clock returns an entry tagged for the frame clock component.
func (l *Logger) Clock(output string) *logrus.Entry {
	return l.WithFields(logrus.Fields{
		"component": "frameclock",
		"output":    output,
	})
}

// Output returns an entry tagged for the output dispatch loop.
func (l *Logger) Output(output string) *logrus.Entry {
	return l.WithFields(logrus.Fields{
		"component": "output",
		"output":    output,
	})
}

// Alert logs an alert message.
func (l *Logger) Alert(alertType string, format string, args ...interface{}) {
	l.WithFields(logrus.Fields{
		"component":  "alerter",
		"alert_type": alertType,
	}).Warnf(format, args...)
}
