package util

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig selects the process-wide log sink.
type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	// NoConsole disables stdout output, leaving only the file sink.
	NoConsole bool
}

var (
	baseMu sync.RWMutex
	base   = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.StampMicro}).
		With().Timestamp().Logger()
)

// InitLogging installs the sink used by loggers created afterwards.
func InitLogging(cfg LogConfig) error {
	lvl := zerolog.InfoLevel
	if cfg.Level != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return err
		}
		lvl = l
	}

	var writers []io.Writer
	if !cfg.NoConsole {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.StampMicro})
	}
	if cfg.File != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		})
	}
	if len(writers) == 0 {
		writers = append(writers, io.Discard)
	}

	baseMu.Lock()
	base = zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(lvl).With().Timestamp().Logger()
	baseMu.Unlock()
	return nil
}

// Logger writes through the process-wide sink, tagged with its component.
type Logger struct {
	zl zerolog.Logger
}

func NewLogger(p string) *Logger {
	baseMu.RLock()
	zl := base
	baseMu.RUnlock()
	if p != "" {
		zl = zl.With().Str("component", p).Logger()
	}
	return &Logger{zl: zl}
}

// NewNopLogger discards everything; used in tests.
func NewNopLogger() *Logger { return &Logger{zl: zerolog.Nop()} }

// With returns a child logger carrying an extra field.
func (l *Logger) With(key, value string) *Logger {
	return &Logger{zl: l.zl.With().Str(key, value).Logger()}
}

// DebugEnabled reports whether debug output would be written.
func (l *Logger) DebugEnabled() bool {
	return l.zl.GetLevel() <= zerolog.DebugLevel && zerolog.GlobalLevel() <= zerolog.DebugLevel
}

func (l *Logger) Debugf(f string, v ...any) { l.zl.Debug().Msgf(f, v...) }
func (l *Logger) Infof(f string, v ...any)  { l.zl.Info().Msgf(f, v...) }
func (l *Logger) Warnf(f string, v ...any)  { l.zl.Warn().Msgf(f, v...) }
func (l *Logger) Errorf(f string, v ...any) { l.zl.Error().Msgf(f, v...) }
