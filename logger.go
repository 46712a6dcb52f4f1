package loom

// At opens a record at the given severity with msg as its leading
// component. It returns nil — the absorbing empty record — when the
// logger is nil or sev is below the effective threshold, so a
// discarded emission performs no capture work at all. The wrapper is
// small enough to inline at call sites; the accept path is the
// unlikely branch and stays out of line.
func (l *Logger) At(sev Severity, msg string) *Record {
	if l == nil || uint32(sev) < l.effective.Load() {
		return nil
	}
	return newRecord(l, sev, msg)
}

// TraceMsg opens a TRACE record.
func (l *Logger) TraceMsg(msg string) *Record { return l.At(Trace, msg) }

// DebugMsg opens a DEBUG record.
func (l *Logger) DebugMsg(msg string) *Record { return l.At(Debug, msg) }

// InfoMsg opens an INFO record.
func (l *Logger) InfoMsg(msg string) *Record { return l.At(Info, msg) }

// NoticeMsg opens a NOTICE record.
func (l *Logger) NoticeMsg(msg string) *Record { return l.At(Notice, msg) }

// WarningMsg opens a WARNING record.
func (l *Logger) WarningMsg(msg string) *Record { return l.At(Warning, msg) }

// ErrorMsg opens an ERROR record.
func (l *Logger) ErrorMsg(msg string) *Record { return l.At(Error, msg) }

// CriticalMsg opens a CRITICAL record.
func (l *Logger) CriticalMsg(msg string) *Record { return l.At(Critical, msg) }

// dispatch fans an accepted record out to the logger's sinks in
// order. Sync sinks run inline on the emitting goroutine; async sinks
// encode and enqueue. Emission never surfaces an error.
func (l *Logger) dispatch(r *Record) {
	sinks := l.effectiveSinks()
	if len(sinks) == 0 {
		return
	}
	name := l.name
	for _, s := range sinks {
		if !s.MaybeAccepts(r.severity, name) {
			continue
		}
		s.WriteRecord(r)
	}
}
