// Package logging provides structured logging using uber/zap.
//
// Production mode emits JSON for machine parsing; development mode emits
// colored console output. Every long-lived component takes a *Logger and
// attaches typed fields for context:
//
//	logger := logging.NewDefault().Named("ptyhost")
//	logger.Info("session created", zap.Int("id", sessionID))
package logging
