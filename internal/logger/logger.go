// Package logger adapts zerolog to the raft.Logger interface.
package logger

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is a zerolog-backed implementation of raft.Logger.
type Logger struct {
	log zerolog.Logger
}

// NewLogger creates a Logger that writes human-readable, leveled
// output to stderr.
func NewLogger() (*Logger, error) {
	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	log := zerolog.New(console).With().Timestamp().Logger()
	return &Logger{log: log}, nil
}

// NewJSONLogger creates a Logger that writes structured JSON to
// stdout at the given level, suitable for production log aggregation.
func NewJSONLogger(level zerolog.Level) (*Logger, error) {
	log := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	return &Logger{log: log}, nil
}

func (l *Logger) Debug(args ...interface{})                 { l.log.Debug().Msg(sprint(args...)) }
func (l *Logger) Debugf(format string, args ...interface{}) { l.log.Debug().Msgf(format, args...) }
func (l *Logger) Info(args ...interface{})                  { l.log.Info().Msg(sprint(args...)) }
func (l *Logger) Infof(format string, args ...interface{})  { l.log.Info().Msgf(format, args...) }
func (l *Logger) Warn(args ...interface{})                  { l.log.Warn().Msg(sprint(args...)) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.log.Warn().Msgf(format, args...) }
func (l *Logger) Error(args ...interface{})                 { l.log.Error().Msg(sprint(args...)) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.log.Error().Msgf(format, args...) }
func (l *Logger) Fatal(args ...interface{})                 { l.log.Fatal().Msg(sprint(args...)) }
func (l *Logger) Fatalf(format string, args ...interface{}) { l.log.Fatal().Msgf(format, args...) }

func sprint(args ...interface{}) string {
	return fmt.Sprint(args...)
}
