package apiclient

import (
	retry "github.com/appleboy/go-httpretry"
	"github.com/rs/zerolog"
)

// retryLogger routes go-httpretry's key/value logging to zerolog so retry
// lines honor the configured level and never reach stderr on their own.
type retryLogger struct {
	log zerolog.Logger
}

var _ retry.Logger = retryLogger{}

func (l retryLogger) Debug(msg string, args ...any) {
	l.log.Debug().Fields(args).Msg(msg)
}

func (l retryLogger) Info(msg string, args ...any) {
	l.log.Debug().Fields(args).Msg(msg)
}

func (l retryLogger) Warn(msg string, args ...any) {
	l.log.Info().Fields(args).Msg(msg)
}

func (l retryLogger) Error(msg string, args ...any) {
	l.log.Warn().Fields(args).Msg(msg)
}
