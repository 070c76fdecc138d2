package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	setupOnce  sync.Once
	outputMu   sync.Mutex
	fileWriter *lumberjack.Logger
)

// OutputConfig describes where log lines go besides stdout.
type OutputConfig struct {
	// ToFile enables a rotating log file under Dir.
	ToFile bool
	// Dir is the directory holding nostrmeet.log.
	Dir string
	// MaxSizeMB caps one log file before rotation. <= 0 means 10.
	MaxSizeMB int
	// MaxBackups is the number of rotated files kept. <= 0 means 3.
	MaxBackups int
}

// SetupBaseLogger installs the shared formatter, enables caller reporting and
// attaches the global ring buffer hook. It is safe to call more than once.
func SetupBaseLogger() {
	setupOnce.Do(func() {
		log.SetOutput(os.Stdout)
		log.SetReportCaller(true)
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
			CallerPrettyfier: func(f *runtime.Frame) (string, string) {
				return "", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
			},
		})
		log.AddHook(GlobalBuffer)
	})
}

// SetLogLevel maps a user supplied level name onto logrus. Unknown names fall
// back to info.
func SetLogLevel(level string) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "verbose":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn", "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	case "quiet", "silent":
		log.SetLevel(log.FatalLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}

// ConfigureLogOutput switches between stdout only and stdout plus a rotating
// file. Calling it again with ToFile=false closes the previous file.
func ConfigureLogOutput(cfg OutputConfig) error {
	outputMu.Lock()
	defer outputMu.Unlock()

	if fileWriter != nil {
		_ = fileWriter.Close()
		fileWriter = nil
	}
	if !cfg.ToFile {
		log.SetOutput(os.Stdout)
		return nil
	}

	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		dir = "logs"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 10
	}
	backups := cfg.MaxBackups
	if backups <= 0 {
		backups = 3
	}
	fileWriter = &lumberjack.Logger{
		Filename:   filepath.Join(dir, "nostrmeet.log"),
		MaxSize:    maxSize,
		MaxBackups: backups,
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, fileWriter))
	return nil
}
