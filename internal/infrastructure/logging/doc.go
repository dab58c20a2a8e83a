// Package logging provides structured logging for the dispenser relay.
//
// This package wraps Go's standard log/slog package so every component
// logs with the same shape: JSON in production, text in development,
// and the service and version fields on every entry.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("serial port opened", "path", cfg.Serial.Path)
//	logger.Error("store write failed", "error", err)
package logging
