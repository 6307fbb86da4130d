// Package log has the logger the genq SDK writes its task and provider
// events to.
//
// Logging is off by default ([Noop]). Applications already on logrus can
// hand their entry to [FromLogrus]:
//
//	logger := log.FromLogrus(logrus.NewEntry(logrus.StandardLogger()))
//	client, err := lib.New(ctx, lib.Config{Logger: logger})
//
// Any other logger can be adapted by implementing [Logger].
package log

import (
	"github.com/sirupsen/logrus"

	"github.com/h2a-dev/genq/internal/log"
	loglogrus "github.com/h2a-dev/genq/internal/log/logrus"
)

// Logger is the logger used by the SDK. The SDK attaches the task ID, the
// job kind and the provider request ID as [Kv] values.
type Logger = log.Logger

// Kv are the structured values of a log line.
type Kv = log.Kv

// Noop discards everything.
var Noop = log.Noop

// FromLogrus returns a Logger that writes to a logrus entry.
func FromLogrus(e *logrus.Entry) Logger {
	return loglogrus.NewLogrus(e)
}
