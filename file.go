package loom

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// FileSinkOptions configures a file or zip sink.
type FileSinkOptions struct {
	// Format is the output template; DefaultFormat when nil.
	Format *Format
	// Filter is the per-sink predicate; nil accepts everything.
	Filter Predicate
	// MinLevel is the cheap pre-filter floor.
	MinLevel Severity
	// BufferSize sizes the bufio writer. Defaults to 4096.
	BufferSize int
	// RotateSize rotates the file once it would exceed this many
	// bytes. Zero disables size rotation.
	RotateSize int64
	// RotatePeriod rotates the file when the open file is older than
	// this. Zero disables periodic rotation.
	RotatePeriod time.Duration
	// MaxFiles bounds the rotation chain. Defaults to 5.
	MaxFiles int
	// CompressOnClose gzips rotated files.
	CompressOnClose bool
	// CreateDirs creates missing parent directories at open time.
	CreateDirs bool
	// Gzip writes the live stream through a gzip encoder (the zip
	// sink type).
	Gzip bool
}

// fileSeq numbers the $N path template placeholder process-wide.
var fileSeq atomic.Uint64

// ExpandPathTemplate resolves the filename placeholders: $D date,
// $T time, $$ process id, $N unique sequence, ${VAR} environment
// variable. Expansion happens at file open time, not configuration
// time.
func ExpandPathTemplate(tmpl string) string {
	now := time.Now()
	var b []byte
	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		if c != '$' || i+1 >= len(tmpl) {
			b = append(b, c)
			continue
		}
		i++
		switch tmpl[i] {
		case 'D':
			b = now.AppendFormat(b, "2006-01-02")
		case 'T':
			b = now.AppendFormat(b, "150405")
		case '$':
			b = strconv.AppendInt(b, int64(os.Getpid()), 10)
		case 'N':
			b = strconv.AppendUint(b, fileSeq.Add(1), 10)
		case '{':
			end := i
			for end < len(tmpl) && tmpl[end] != '}' {
				end++
			}
			if end >= len(tmpl) {
				b = append(b, tmpl[i-1:]...)
				i = len(tmpl)
				continue
			}
			b = append(b, os.Getenv(tmpl[i+1:end])...)
			i = end
		default:
			b = append(b, '$', tmpl[i])
		}
	}
	return string(b)
}

// FileSink writes formatted records to a file, guarded by a
// cross-process flock. The file opens lazily on the first written
// record and rotates by size or age, optionally compressing rotated
// files.
type FileSink struct {
	name     string
	format   *Format
	filter   Predicate
	minLevel Severity
	opts     FileSinkOptions
	template string

	mu       sync.Mutex
	path     string
	file     *os.File
	w        *bufio.Writer
	gz       *gzip.Writer
	lock     *flock.Flock
	size     int64
	openedAt time.Time
	closed   bool
}

// NewFileSink creates a file sink over a path template.
func NewFileSink(name, pathTemplate string, opts FileSinkOptions) *FileSink {
	format := opts.Format
	if format == nil {
		format, _ = ParseFormat(DefaultFormat)
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 4096
	}
	if opts.MaxFiles <= 0 {
		opts.MaxFiles = 5
	}
	return &FileSink{
		name:     name,
		format:   format,
		filter:   opts.Filter,
		minLevel: opts.MinLevel,
		opts:     opts,
		template: pathTemplate,
	}
}

// Name returns the sink's configured name.
func (s *FileSink) Name() string { return s.name }

// MaybeAccepts rejects below the sink's severity floor.
func (s *FileSink) MaybeAccepts(sev Severity, logger string) bool {
	return sev >= s.minLevel
}

// WriteRecord renders a live record on the emitting goroutine.
func (s *FileSink) WriteRecord(r *Record) {
	v := viewFromRecord(r)
	s.writeView(v)
	v.release()
}

// WriteFrame renders a decoded frame on the worker goroutine.
func (s *FileSink) WriteFrame(fv *FrameView, loggerName string) {
	v, err := viewFromFrame(fv, loggerName)
	if err != nil {
		reportError(ErrCodeFrameDecode, "decode", s.name, "dropping undecodable frame", err)
		return
	}
	s.writeView(v)
	v.release()
}

func (s *FileSink) writeView(v *View) {
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
	if s.file == nil {
		if err := s.openLocked(); err != nil {
			reportError(ErrCodeSinkOpen, "open", s.name, "record dropped", err)
			return
		}
	}
	if s.rotateDue(int64(buf.Len())) {
		if err := s.rotateLocked(); err != nil {
			reportError(ErrCodeSinkRotate, "rotate", s.name, "continuing on current file", err)
		}
	}
	if s.lock != nil {
		if err := s.lock.Lock(); err != nil {
			reportError(ErrCodeSinkWrite, "lock", s.name, "record dropped", err)
			return
		}
		defer func() {
			if err := s.lock.Unlock(); err != nil {
				reportError(ErrCodeSinkWrite, "unlock", s.name, "", err)
			}
		}()
	}
	n, err := s.w.Write(buf.Bytes())
	s.size += int64(n)
	if err != nil {
		reportError(ErrCodeSinkWrite, "write", s.name, "record dropped", err)
		return
	}
	if err := s.w.Flush(); err != nil {
		reportError(ErrCodeSinkFlush, "flush", s.name, "", err)
	}
}

// openLocked expands the path template and opens the file. Callers
// hold s.mu.
func (s *FileSink) openLocked() error {
	path := ExpandPathTemplate(s.template)
	if s.opts.CreateDirs {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return errors.Wrap(err, "creating log directory")
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "opening log file %s", path)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return errors.Wrap(err, "statting log file")
	}
	s.path = path
	s.file = file
	s.size = info.Size()
	s.openedAt = time.Now()
	s.lock = flock.New(path + ".lock")
	if s.opts.Gzip {
		s.gz = gzip.NewWriter(file)
		s.w = bufio.NewWriterSize(s.gz, s.opts.BufferSize)
	} else {
		s.w = bufio.NewWriterSize(file, s.opts.BufferSize)
	}
	return nil
}

func (s *FileSink) rotateDue(entrySize int64) bool {
	if s.opts.RotateSize > 0 && s.size+entrySize > s.opts.RotateSize {
		return true
	}
	if s.opts.RotatePeriod > 0 && time.Since(s.openedAt) >= s.opts.RotatePeriod {
		return true
	}
	return false
}

// rotateLocked shifts path.N-1 -> path.N, moves the live file to
// path.1, and reopens. Callers hold s.mu.
func (s *FileSink) rotateLocked() error {
	if err := s.closeStreamLocked(); err != nil {
		return err
	}
	maxFiles := s.opts.MaxFiles
	ext := ""
	if s.opts.CompressOnClose {
		ext = ".gz"
	}
	os.Remove(rotatedName(s.path, maxFiles-1, ext))
	for i := maxFiles - 2; i >= 1; i-- {
		from := rotatedName(s.path, i, ext)
		if _, err := os.Stat(from); err == nil {
			os.Rename(from, rotatedName(s.path, i+1, ext))
		}
	}
	first := rotatedName(s.path, 1, "")
	if err := os.Rename(s.path, first); err != nil {
		return errors.Wrap(err, "rotating log file")
	}
	if s.opts.CompressOnClose {
		if err := compressFile(first); err != nil {
			reportError(ErrCodeSinkRotate, "compress", s.name, "rotated file left uncompressed", err)
		}
	}
	return s.openLocked()
}

func rotatedName(path string, index int, ext string) string {
	return fmt.Sprintf("%s.%d%s", path, index, ext)
}

// compressFile gzips src to src.gz and removes src.
func compressFile(src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(src + ".gz")
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		out.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

// closeStreamLocked flushes and closes the current file without
// marking the sink closed. Callers hold s.mu.
func (s *FileSink) closeStreamLocked() error {
	if s.file == nil {
		return nil
	}
	if err := s.w.Flush(); err != nil {
		return errors.Wrap(err, "flushing log file")
	}
	if s.gz != nil {
		if err := s.gz.Close(); err != nil {
			return errors.Wrap(err, "closing gzip stream")
		}
		s.gz = nil
	}
	if err := s.file.Close(); err != nil {
		return errors.Wrap(err, "closing log file")
	}
	s.file = nil
	s.w = nil
	return nil
}

// Flush forces buffered output to disk.
func (s *FileSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return nil
	}
	if err := s.w.Flush(); err != nil {
		return err
	}
	if s.gz != nil {
		return s.gz.Flush()
	}
	return nil
}

// Close flushes and closes the file. Closing twice is a no-op.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.closeStreamLocked()
}
