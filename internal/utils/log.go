package utils

import (
	"os"

	"github.com/rs/zerolog"
)

// Log is the process logger used by the command layer. Core packages get
// their logger passed in.
var Log = zerolog.Nop()

func SetLogger(debug bool) {
	level := zerolog.InfoLevel
	if debug || os.Getenv("DISKLAYOUT_DEBUG") != "" {
		level = zerolog.DebugLevel
	}
	Log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger().Level(level)
}
