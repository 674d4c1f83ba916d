package wa

import (
	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"

	"github.com/contactevin2u/chatunclev2-sub001/internal/logging"
)

// zapLogger routes whatsmeow's logging into zap.
type zapLogger struct {
	s *zap.SugaredLogger
}

// NewLogger returns a waLog.Logger backed by logger.
func NewLogger(logger *zap.Logger) waLog.Logger {
	return zapLogger{s: logging.OrNop(logger).WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (l zapLogger) Errorf(msg string, args ...any) { l.s.Errorf(msg, args...) }
func (l zapLogger) Warnf(msg string, args ...any)  { l.s.Warnf(msg, args...) }
func (l zapLogger) Infof(msg string, args ...any)  { l.s.Infof(msg, args...) }
func (l zapLogger) Debugf(msg string, args ...any) { l.s.Debugf(msg, args...) }

func (l zapLogger) Sub(module string) waLog.Logger {
	return zapLogger{s: l.s.Named(module)}
}
