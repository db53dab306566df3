package core

import (
	log "github.com/sirupsen/logrus"
	"go.uber.org/zap"
)

// NewLogger constructs the operational logrus logger. One *logrus.Logger
// is injected into each component constructor.
func NewLogger() *log.Logger {
	l := log.New()
	l.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	return l
}

// NewAuditLogger constructs the zap-backed structured audit logger used
// for slashing evidence and WAL recovery events: logrus for operational
// logs, zap for the durable audit trail.
func NewAuditLogger() (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}
