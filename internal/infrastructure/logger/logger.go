// Package logger configures the process-wide zerolog logger.
package logger

import (
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup routes the global logger through a console writer. Commands pass
// stdout or stderr depending on whether their stdout carries data.
func Setup(out io.Writer) {
	output := zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}
