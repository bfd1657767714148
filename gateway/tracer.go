package gateway

import "github.com/sirupsen/logrus"

// Tracer receives one event per request this Gateway dispatches: a
// narrow interface with a no-op default, plus an optional structured-log
// implementation.
type Tracer interface {
	// Trace records that op happened on the connection identified by id.
	Trace(id, op string)
}

type nopTracer struct{}

func (nopTracer) Trace(string, string) {}

// NopTracer discards every event. It is every Gateway's default tracer
// until SetTracer installs another one.
var NopTracer Tracer = nopTracer{}

type logrusTracer struct {
	log *logrus.Entry
}

// LogrusTracer returns a Tracer that logs each event at debug level
// through log, tagged with the connection id and request verb.
func LogrusTracer(log *logrus.Entry) Tracer {
	return logrusTracer{log: log}
}

func (t logrusTracer) Trace(id, op string) {
	t.log.WithFields(logrus.Fields{"conn": id, "op": op}).Debug("gateway trace")
}

// SetTracer installs t as this Gateway's tracer.
func (g *Gateway) SetTracer(t Tracer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tracer = t
}
