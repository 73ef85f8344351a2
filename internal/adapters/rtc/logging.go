package rtc

import (
	"github.com/pion/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LoggerFactory routes pion's internal logging into zerolog. Scopes become the
// "scope" field. Debug and info are shifted down one level.
type LoggerFactory struct {
	Level zerolog.Level
}

func (f LoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	l := log.With().Str("module", "pion").Str("scope", scope).Logger().Level(f.Level)
	return &zlogger{l: l}
}

type zlogger struct {
	l zerolog.Logger
}

func (z *zlogger) Trace(msg string)                  { z.l.Trace().Msg(msg) }
func (z *zlogger) Tracef(format string, args ...any) { z.l.Trace().Msgf(format, args...) }
func (z *zlogger) Debug(msg string)                  { z.l.Trace().Msg(msg) }
func (z *zlogger) Debugf(format string, args ...any) { z.l.Trace().Msgf(format, args...) }
func (z *zlogger) Info(msg string)                   { z.l.Debug().Msg(msg) }
func (z *zlogger) Infof(format string, args ...any)  { z.l.Debug().Msgf(format, args...) }
func (z *zlogger) Warn(msg string)                   { z.l.Warn().Msg(msg) }
func (z *zlogger) Warnf(format string, args ...any)  { z.l.Warn().Msgf(format, args...) }
func (z *zlogger) Error(msg string)                  { z.l.Error().Msg(msg) }
func (z *zlogger) Errorf(format string, args ...any) { z.l.Error().Msgf(format, args...) }
