// Package logger constructs the logrus instances used across the project.
package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger returns a logger writing human-readable lines to stdout.
// The level defaults to Info and can be raised via MESH_LOG_LEVEL.
func NewLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	})

	level := logrus.InfoLevel
	if raw := os.Getenv("MESH_LOG_LEVEL"); raw != "" {
		if parsed, err := logrus.ParseLevel(raw); err == nil {
			level = parsed
		}
	}
	log.SetLevel(level)
	return log
}
