// Package logging provides structured logging shared across the core,
// adapted from the teacher's pkg/logging (logrus, JSON to stdout, one
// component field per logger) with the service-vs-component naming
// generalized: every package in this repo is a library, not an HTTP
// service, so the field is named "component" rather than "service".
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New creates a logger pre-configured for a named component. Output is
// JSON to stdout; level is controlled by ORCH_LOG_LEVEL (default: info).
func New(component string) *logrus.Entry {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	log.SetOutput(os.Stdout)

	levelStr := os.Getenv("ORCH_LOG_LEVEL")
	level, err := logrus.ParseLevel(levelStr)
	if err != nil || levelStr == "" {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	return log.WithField("component", component)
}
