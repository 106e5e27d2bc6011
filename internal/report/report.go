// Package report forwards errors that are handled locally (batch item
// failures, unexpected server errors) to an error tracker.
package report

import (
	"log"

	"github.com/rollbar/rollbar-go"
)

type Reporter interface {
	Error(msg string, err error, fields map[string]any)
	Close()
}

// LogReporter only writes to the standard logger.
type LogReporter struct {
	std *log.Logger
}

func NewLogReporter(std *log.Logger) *LogReporter {
	if std == nil {
		std = log.Default()
	}
	return &LogReporter{std: std}
}

func (r *LogReporter) Error(msg string, err error, fields map[string]any) {
	r.std.Printf("%s: %v %v", msg, err, fields)
}

func (r *LogReporter) Close() {}

// Rollbar logs locally and sends the error to Rollbar.
type Rollbar struct {
	local *LogReporter
}

func NewRollbar(std *log.Logger, token, environment, codeVersion string) *Rollbar {
	rollbar.SetToken(token)
	rollbar.SetEnvironment(environment)
	rollbar.SetCodeVersion(codeVersion)
	rollbar.SetServerRoot("assessment/api")
	return &Rollbar{local: NewLogReporter(std)}
}

func (r *Rollbar) Error(msg string, err error, fields map[string]any) {
	r.local.Error(msg, err, fields)
	extras := map[string]interface{}{"message": msg}
	for key, value := range fields {
		extras[key] = value
	}
	rollbar.Error(err, extras)
}

// Close flushes queued items.
func (r *Rollbar) Close() {
	rollbar.Close()
}

// New picks Rollbar when a token is configured.
func New(std *log.Logger, token, environment, codeVersion string) Reporter {
	if token == "" {
		return NewLogReporter(std)
	}
	return NewRollbar(std, token, environment, codeVersion)
}
