package vfs

import "github.com/sirupsen/logrus"

// Tracer receives one event per VFS operation that mutates or inspects a
// database's replicated state: a narrow interface with a no-op default,
// plus an optional structured-log implementation.
type Tracer interface {
	// Trace records that op happened against the database named filename.
	Trace(filename, op string)
}

type nopTracer struct{}

func (nopTracer) Trace(string, string) {}

// NopTracer discards every event. It is the default for every Database
// until a Store-level tracer is installed with Store.SetTracer.
var NopTracer Tracer = nopTracer{}

// logrusTracer adapts a *logrus.Entry to Tracer, for nodes that want
// VFS-level operations in their structured logs.
type logrusTracer struct {
	log *logrus.Entry
}

// LogrusTracer returns a Tracer that logs each event at debug level
// through log, tagged with the database filename and the operation name.
func LogrusTracer(log *logrus.Entry) Tracer {
	return logrusTracer{log: log}
}

func (t logrusTracer) Trace(filename, op string) {
	t.log.WithFields(logrus.Fields{"db": filename, "op": op}).Debug("vfs trace")
}
