package report

// Sink consumes reports. Implementations must be safe for concurrent use,
// sessions report from their own goroutines.
type Sink interface {
	Report(r Report)
}

type SinkFunc func(r Report)

func (f SinkFunc) Report(r Report) {
	f(r)
}

// Discard drops every report.
var Discard Sink = SinkFunc(func(Report) {})
