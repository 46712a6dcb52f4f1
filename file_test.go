package loom

import (
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestFileSinkWritesLazily(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lazy.log")
	f, _ := ParseFormat("{msg}")
	sink := NewFileSink("f", path, FileSinkOptions{Format: f})

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("file must not exist before the first record")
	}

	lg := newTestLogger(t, "lazy", Trace)
	lg.setSinks([]Sink{sink})
	lg.At(Info, "first").Log()
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "first\n" {
		t.Fatalf("contents = %q", data)
	}
}

func TestFileSinkRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rotate.log")
	f, _ := ParseFormat("{msg}")
	sink := NewFileSink("f", path, FileSinkOptions{
		Format:     f,
		RotateSize: 64,
		MaxFiles:   3,
	})
	lg := newTestLogger(t, "rotate", Trace)
	lg.setSinks([]Sink{sink})
	for i := 0; i < 20; i++ {
		lg.At(Info, "entry ").Int(int64(i)).Str(" padding-padding-padding").Log()
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("live file missing: %v", err)
	}
	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("rotated file missing: %v", err)
	}
	// The chain must not exceed MaxFiles-1 rotated files.
	if _, err := os.Stat(path + ".3"); !os.IsNotExist(err) {
		t.Fatal("rotation chain exceeded MaxFiles")
	}
}

func TestFileSinkCompressOnClose(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gz.log")
	f, _ := ParseFormat("{msg}")
	sink := NewFileSink("f", path, FileSinkOptions{
		Format:          f,
		RotateSize:      32,
		CompressOnClose: true,
	})
	lg := newTestLogger(t, "compress", Trace)
	lg.setSinks([]Sink{sink})
	for i := 0; i < 8; i++ {
		lg.At(Info, "compressible line number ").Int(int64(i)).Log()
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	gzPath := path + ".1.gz"
	fh, err := os.Open(gzPath)
	if err != nil {
		t.Fatalf("rotated gzip missing: %v", err)
	}
	defer fh.Close()
	zr, err := gzip.NewReader(fh)
	if err != nil {
		t.Fatalf("gzip header: %v", err)
	}
	content, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !strings.Contains(string(content), "compressible line number") {
		t.Fatalf("decompressed contents = %q", content)
	}
}

func TestZipSinkStreamsGzip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stream.log.gz")
	f, _ := ParseFormat("{msg}")
	sink := NewFileSink("z", path, FileSinkOptions{Format: f, Gzip: true})
	lg := newTestLogger(t, "zip", Trace)
	lg.setSinks([]Sink{sink})
	lg.At(Info, "zipped payload").Log()
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	fh, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer fh.Close()
	zr, err := gzip.NewReader(fh)
	if err != nil {
		t.Fatalf("gzip header: %v", err)
	}
	content, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if string(content) != "zipped payload\n" {
		t.Fatalf("contents = %q", content)
	}
}

func TestExpandPathTemplate(t *testing.T) {
	t.Setenv("LOOM_TEST_DIR", "/var/log")

	now := time.Now()
	got := ExpandPathTemplate("${LOOM_TEST_DIR}/$D-app-$$.log")
	if !strings.HasPrefix(got, "/var/log/") {
		t.Fatalf("env expansion failed: %q", got)
	}
	if !strings.Contains(got, now.Format("2006-01-02")) {
		t.Fatalf("date expansion failed: %q", got)
	}
	if !strings.Contains(got, strconv.Itoa(os.Getpid())) {
		t.Fatalf("pid expansion failed: %q", got)
	}

	a := ExpandPathTemplate("x-$N.log")
	b := ExpandPathTemplate("x-$N.log")
	if a == b {
		t.Fatalf("$N must be unique per expansion: %q == %q", a, b)
	}

	if got := ExpandPathTemplate("plain.log"); got != "plain.log" {
		t.Fatalf("no-placeholder template changed: %q", got)
	}
}
