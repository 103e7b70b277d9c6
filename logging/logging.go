// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package logging configures the zerolog loggers used by the client.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup switches the global logger to human readable output when pretty is
// set and sets the global level.
func Setup(pretty bool, level int) {
	SetupTo(os.Stderr, pretty, level)
}

// SetupTo is Setup with an explicit destination.
func SetupTo(w io.Writer, pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: w})
	} else {
		log.Logger = zerolog.New(w).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// Derive returns a logger of one client. It writes where the global logger
// does, or human readable to stderr when pretty is set, and drops messages
// below level. The global level still applies.
func Derive(pretty bool, level int) zerolog.Logger {
	return DeriveTo(os.Stderr, pretty, level)
}

// DeriveTo is Derive with an explicit destination of pretty output.
func DeriveTo(w io.Writer, pretty bool, level int) zerolog.Logger {
	l := log.Logger.Level(zerolog.Level(level))
	if pretty {
		l = l.Output(zerolog.ConsoleWriter{Out: w})
	}

	return l
}
