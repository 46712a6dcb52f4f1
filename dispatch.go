package loom

// DispatcherSink fans a record out to an ordered list of child sinks.
// Each child applies its own pre-filter, filter, and format; ordering
// within each child follows the dispatch order.
type DispatcherSink struct {
	name     string
	children []Sink
}

// NewDispatcherSink creates a dispatcher over children, in order.
func NewDispatcherSink(name string, children ...Sink) *DispatcherSink {
	return &DispatcherSink{name: name, children: children}
}

// Name returns the sink's configured name.
func (d *DispatcherSink) Name() string { return d.name }

// Children returns the dispatch targets, in order.
func (d *DispatcherSink) Children() []Sink { return d.children }

// MaybeAccepts reports whether any child would accept the record.
func (d *DispatcherSink) MaybeAccepts(sev Severity, logger string) bool {
	for _, c := range d.children {
		if c.MaybeAccepts(sev, logger) {
			return true
		}
	}
	return false
}

// WriteRecord forwards the live record to each accepting child.
func (d *DispatcherSink) WriteRecord(r *Record) {
	for _, c := range d.children {
		if c.MaybeAccepts(r.severity, r.LoggerName()) {
			c.WriteRecord(r)
		}
	}
}

// WriteFrame forwards a decoded frame to each accepting child.
func (d *DispatcherSink) WriteFrame(fv *FrameView, loggerName string) {
	for _, c := range d.children {
		if c.MaybeAccepts(fv.severity, loggerName) {
			c.WriteFrame(fv, loggerName)
		}
	}
}

// Flush flushes every child, returning the first error.
func (d *DispatcherSink) Flush() error {
	var first error
	for _, c := range d.children {
		if err := c.Flush(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Close closes every child, returning the first error.
func (d *DispatcherSink) Close() error {
	var first error
	for _, c := range d.children {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
