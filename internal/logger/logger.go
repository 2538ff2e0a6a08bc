package logger

import (
	"os"

	"github.com/rs/zerolog"
)

var Logger zerolog.Logger

// Init initializes the global logger for the given verbosity level.
// Verbosity 1 logs application messages at info level, 2 at debug level
// and 3 additionally enables trace output from the transport layers.
func Init(verbosity int) {
	level := zerolog.InfoLevel
	switch {
	case verbosity >= 3:
		level = zerolog.TraceLevel
	case verbosity == 2:
		level = zerolog.DebugLevel
	}

	format := os.Getenv("LOG_FORMAT")
	if format == "json" {
		Logger = zerolog.New(os.Stderr).With().
			Timestamp().
			Logger().
			Level(level)
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().
			Timestamp().
			Logger().
			Level(level)
	}
}
