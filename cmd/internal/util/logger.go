//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package util

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Logger struct {
	logger *zerolog.Logger
}

var instance *Logger

func SetLoggerInstance(l *zerolog.Logger) {
	instance = &Logger{l}
}

func Log() *Logger {
	if instance == nil {
		instance = _defaultLogger()
		instance.Warnf("default logger in use. SetLoggerInstance() should be called first")
	}
	return instance
}

func _defaultLogger() *Logger {
	zeroLogLogger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Timestamp().Logger()

	return &Logger{&zeroLogLogger}
}

// NewZeroLogger returns a logger that writes to the console and, if
// outputFile is set, to a rotated log file.
func NewZeroLogger(outputFile string) *zerolog.Logger {
	consoleWriter := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}

	var logger zerolog.Logger
	if outputFile != "" {
		var logWriter io.Writer = zerolog.MultiLevelWriter(
			consoleWriter,
			&lumberjack.Logger{
				Filename:   outputFile,
				MaxBackups: 10,
				Compress:   true,
			},
		)
		logger = zerolog.New(logWriter).With().Timestamp().Logger().Level(zerolog.InfoLevel)
	} else {
		logger = zerolog.New(consoleWriter).With().Caller().Timestamp().Logger()
	}
	return &logger
}

func (l *Logger) Infof(format string, v ...interface{}) {
	l.logger.Info().Msgf(format, v...)
}

func (l *Logger) Warnf(format string, v ...interface{}) {
	l.logger.Warn().Msgf(format, v...)
}

func (l *Logger) Errorf(format string, v ...interface{}) {
	l.logger.Error().Msgf(format, v...)
}

func (l *Logger) Fatalf(format string, v ...interface{}) {
	l.logger.Fatal().Msgf(format, v...)
}

// Request logs a served HTTP request. Nothing that identifies the client,
// such as its address or user agent, is recorded.
func (l *Logger) Request(method, route string, status int, latency time.Duration) {
	var ev *zerolog.Event
	if status >= 500 {
		ev = l.logger.Error()
	} else {
		ev = l.logger.Info()
	}
	ev.Str("method", method).
		Str("route", route).
		Int("status", status).
		Dur("latency", latency).
		Msg("request")
}
