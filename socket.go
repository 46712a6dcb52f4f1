package loom

import (
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// SocketSink writes formatted records over a stream or datagram
// connection. A failed write drops the record, reports a coalesced
// diagnostic, and schedules a throttled reconnect.
type SocketSink struct {
	name     string
	network  string // "tcp", "udp", or "unix"
	address  string
	format   *Format
	filter   Predicate
	minLevel Severity

	mu        sync.Mutex
	conn      net.Conn
	nextRetry time.Time
	bo        *backoff.ExponentialBackOff
	closed    bool
}

// NewSocketSink creates a socket sink. The connection opens lazily on
// the first written record.
func NewSocketSink(name, network, address string, format *Format, filter Predicate, minLevel Severity) *SocketSink {
	if format == nil {
		format, _ = ParseFormat(DefaultFormat)
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0
	return &SocketSink{
		name:     name,
		network:  network,
		address:  address,
		format:   format,
		filter:   filter,
		minLevel: minLevel,
		bo:       bo,
	}
}

// Name returns the sink's configured name.
func (s *SocketSink) Name() string { return s.name }

// MaybeAccepts rejects below the sink's severity floor.
func (s *SocketSink) MaybeAccepts(sev Severity, logger string) bool {
	return sev >= s.minLevel
}

// WriteRecord renders a live record on the emitting goroutine.
func (s *SocketSink) WriteRecord(r *Record) {
	v := viewFromRecord(r)
	s.writeView(v)
	v.release()
}

// WriteFrame renders a decoded frame on the worker goroutine.
func (s *SocketSink) WriteFrame(fv *FrameView, loggerName string) {
	v, err := viewFromFrame(fv, loggerName)
	if err != nil {
		reportError(ErrCodeFrameDecode, "decode", s.name, "dropping undecodable frame", err)
		return
	}
	s.writeView(v)
	v.release()
}

func (s *SocketSink) writeView(v *View) {
	if s.filter != nil && !s.filter(v) {
		return
	}
	buf := getScratch()
	defer putScratch(buf)
	s.format.Render(v, buf)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.conn == nil {
		if !s.dialLocked() {
			return
		}
	}
	if _, err := s.conn.Write(buf.Bytes()); err != nil {
		reportError(ErrCodeSinkWrite, "write", s.name, "record dropped", err)
		s.conn.Close()
		s.conn = nil
		s.nextRetry = time.Now().Add(s.bo.NextBackOff())
	}
}

// dialLocked opens the connection, honouring the retry throttle.
// Callers hold s.mu.
func (s *SocketSink) dialLocked() bool {
	if !s.nextRetry.IsZero() && time.Now().Before(s.nextRetry) {
		return false
	}
	conn, err := net.DialTimeout(s.network, s.address, 5*time.Second)
	if err != nil {
		s.nextRetry = time.Now().Add(s.bo.NextBackOff())
		reportError(ErrCodeSinkOpen, "dial", s.name, "record dropped", err)
		return false
	}
	s.conn = conn
	s.nextRetry = time.Time{}
	s.bo.Reset()
	return true
}

// Flush is a no-op; the sink writes unbuffered.
func (s *SocketSink) Flush() error { return nil }

// Close shuts the connection down.
func (s *SocketSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}

// SyslogSink wraps a socket sink with RFC3164 framing: a computed
// priority, timestamp, hostname, and tag precede the formatted
// record.
type SyslogSink struct {
	*SocketSink
	facility int
	tag      string
	hostname string
}

// NewSyslogSink creates a syslog sink. A path address is a unix
// socket, host:port dials UDP, and a bare host gets the default port
// 514.
func NewSyslogSink(name, address, tag string, format *Format, filter Predicate, minLevel Severity) *SyslogSink {
	network := "udp"
	if strings.HasPrefix(address, "/") {
		network = "unix"
	} else if !strings.Contains(address, ":") {
		address += ":514"
	}
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "localhost"
	}
	if tag == "" {
		tag = "loom"
	}
	return &SyslogSink{
		SocketSink: NewSocketSink(name, network, address, mustSyslogFormat(), filter, minLevel),
		facility:   1 << 3, // user-level messages
		tag:        tag,
		hostname:   hostname,
	}
}

func mustSyslogFormat() *Format {
	f, _ := ParseFormat("{msg}")
	return f
}

// severityToPriority maps a record severity onto the syslog severity
// bits within the facility.
func (s *SyslogSink) severityToPriority(sev Severity) int {
	var sysSev int
	switch {
	case sev >= Critical:
		sysSev = 2
	case sev >= Error:
		sysSev = 3
	case sev >= Warning:
		sysSev = 4
	case sev >= Notice:
		sysSev = 5
	case sev >= Info:
		sysSev = 6
	default:
		sysSev = 7
	}
	return s.facility | sysSev
}

// WriteRecord renders with syslog framing.
func (s *SyslogSink) WriteRecord(r *Record) {
	v := viewFromRecord(r)
	s.writeSyslog(v)
	v.release()
}

// WriteFrame renders with syslog framing.
func (s *SyslogSink) WriteFrame(fv *FrameView, loggerName string) {
	v, err := viewFromFrame(fv, loggerName)
	if err != nil {
		reportError(ErrCodeFrameDecode, "decode", s.Name(), "dropping undecodable frame", err)
		return
	}
	s.writeSyslog(v)
	v.release()
}

func (s *SyslogSink) writeSyslog(v *View) {
	if s.filter != nil && !s.filter(v) {
		return
	}
	buf := getScratch()
	defer putScratch(buf)
	buf.WriteByte('<')
	buf.WriteString(strconv.Itoa(s.severityToPriority(v.severity)))
	buf.WriteByte('>')
	buf.WriteString(v.Time().Format(time.Stamp))
	buf.WriteByte(' ')
	buf.WriteString(s.hostname)
	buf.WriteByte(' ')
	buf.WriteString(s.tag)
	buf.WriteString(": ")
	appendMessage(v, buf)
	buf.WriteByte('\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.conn == nil && !s.dialLocked() {
		return
	}
	if _, err := s.conn.Write(buf.Bytes()); err != nil {
		reportError(ErrCodeSinkWrite, "write", s.Name(), "record dropped", err)
		s.conn.Close()
		s.conn = nil
		s.nextRetry = time.Now().Add(s.bo.NextBackOff())
	}
}

// NATSSink publishes formatted records to a subject on a NATS
// connection.
type NATSSink struct {
	name     string
	subject  string
	format   *Format
	filter   Predicate
	minLevel Severity

	mu     sync.Mutex
	nc     *nats.Conn
	closed bool
}

// NewNATSSink connects to the NATS server at url and publishes
// records to subject.
func NewNATSSink(name, url, subject string, format *Format, filter Predicate, minLevel Severity) (*NATSSink, error) {
	if subject == "" {
		return nil, errors.New("nats sink requires a subject")
	}
	if format == nil {
		format, _ = ParseFormat(DefaultFormat)
	}
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to nats at %s", url)
	}
	return &NATSSink{
		name:     name,
		subject:  subject,
		format:   format,
		filter:   filter,
		minLevel: minLevel,
		nc:       nc,
	}, nil
}

// Name returns the sink's configured name.
func (s *NATSSink) Name() string { return s.name }

// MaybeAccepts rejects below the sink's severity floor.
func (s *NATSSink) MaybeAccepts(sev Severity, logger string) bool {
	return sev >= s.minLevel
}

// WriteRecord publishes a live record.
func (s *NATSSink) WriteRecord(r *Record) {
	v := viewFromRecord(r)
	s.publish(v)
	v.release()
}

// WriteFrame publishes a decoded frame.
func (s *NATSSink) WriteFrame(fv *FrameView, loggerName string) {
	v, err := viewFromFrame(fv, loggerName)
	if err != nil {
		reportError(ErrCodeFrameDecode, "decode", s.name, "dropping undecodable frame", err)
		return
	}
	s.publish(v)
	v.release()
}

func (s *NATSSink) publish(v *View) {
	if s.filter != nil && !s.filter(v) {
		return
	}
	buf := getScratch()
	defer putScratch(buf)
	s.format.Render(v, buf)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if err := s.nc.Publish(s.subject, buf.Bytes()); err != nil {
		reportError(ErrCodeSinkWrite, "publish", s.name, "record dropped", err)
	}
}

// Flush waits for published records to reach the server.
func (s *NATSSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.nc.Flush()
}

// Close closes the connection.
func (s *NATSSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.nc.Close()
	return nil
}
