package loom

import (
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/valyala/fastjson"
)

// StreamConfig describes one output stream. Fields apply per type;
// unknown combinations fail validation.
type StreamConfig struct {
	Type string // file, zip, socket, syslog, nats, dispatcher, async

	// file / zip
	Filename        string
	Buffering       int
	RotateSize      int64
	RotatePeriod    time.Duration
	CompressOnClose bool
	CreateDirs      bool

	// socket
	Network string
	Address string

	// syslog
	Tag string

	// nats
	URL     string
	Subject string

	// dispatcher / async
	Dispatch      []DispatchRef
	QueueCapacity int
	Overflow      string

	// common
	Format    string
	Filter    string
	Threshold string
}

// DispatchRef names either a configured stream or carries an inline
// stream definition.
type DispatchRef struct {
	Ref    string
	Inline *StreamConfig
}

// LoggerConfig binds a logger to a threshold and streams.
type LoggerConfig struct {
	Threshold string
	Streams   []string
}

// Config is the structured document consumed by Apply. The empty
// logger name configures the root.
type Config struct {
	Streams map[string]*StreamConfig
	Loggers map[string]*LoggerConfig
}

// stripRelaxed removes // and /* */ comments and trailing commas so
// hand-written configuration parses as JSON. String contents are left
// untouched.
func stripRelaxed(src string) string {
	out := make([]byte, 0, len(src))
	inStr := false
	for i := 0; i < len(src); i++ {
		c := src[i]
		if inStr {
			out = append(out, c)
			if c == '\\' && i+1 < len(src) {
				i++
				out = append(out, src[i])
				continue
			}
			if c == '"' {
				inStr = false
			}
			continue
		}
		switch {
		case c == '"':
			inStr = true
			out = append(out, c)
		case c == '/' && i+1 < len(src) && src[i+1] == '/':
			for i < len(src) && src[i] != '\n' {
				i++
			}
			if i < len(src) {
				out = append(out, '\n')
			}
		case c == '/' && i+1 < len(src) && src[i+1] == '*':
			i += 2
			for i+1 < len(src) && !(src[i] == '*' && src[i+1] == '/') {
				i++
			}
			i++
		case c == ',':
			// Drop the comma if the next significant byte closes a
			// container.
			j := i + 1
			for j < len(src) && (src[j] == ' ' || src[j] == '\t' || src[j] == '\n' || src[j] == '\r') {
				j++
			}
			if j < len(src) && (src[j] == '}' || src[j] == ']') {
				continue
			}
			out = append(out, c)
		default:
			out = append(out, c)
		}
	}
	return string(out)
}

// LoadConfig parses a configuration document. Comments and trailing
// commas are tolerated.
func LoadConfig(text string) (*Config, error) {
	var p fastjson.Parser
	root, err := p.Parse(stripRelaxed(text))
	if err != nil {
		return nil, errors.Wrap(err, "parsing configuration")
	}
	cfg := &Config{
		Streams: map[string]*StreamConfig{},
		Loggers: map[string]*LoggerConfig{},
	}
	if streams := root.GetObject("streams"); streams != nil {
		var verr error
		streams.Visit(func(key []byte, v *fastjson.Value) {
			if verr != nil {
				return
			}
			sc, err := parseStream(v)
			if err != nil {
				verr = errors.Wrapf(err, "stream %q", key)
				return
			}
			cfg.Streams[string(key)] = sc
		})
		if verr != nil {
			return nil, verr
		}
	}
	if loggers := root.GetObject("loggers"); loggers != nil {
		var verr error
		loggers.Visit(func(key []byte, v *fastjson.Value) {
			if verr != nil {
				return
			}
			lc, err := parseLogger(v)
			if err != nil {
				verr = errors.Wrapf(err, "logger %q", key)
				return
			}
			cfg.Loggers[string(key)] = lc
		})
		if verr != nil {
			return nil, verr
		}
	}
	return cfg, nil
}

func parseStream(v *fastjson.Value) (*StreamConfig, error) {
	sc := &StreamConfig{
		Type:            str(v, "type"),
		Filename:        str(v, "filename"),
		Buffering:       v.GetInt("buffering"),
		RotateSize:      int64(v.GetInt("rotate_size")),
		CompressOnClose: v.GetBool("compress_on_close"),
		CreateDirs:      v.GetBool("create_dirs"),
		Network:         str(v, "network"),
		Address:         str(v, "address"),
		Tag:             str(v, "tag"),
		URL:             str(v, "url"),
		Subject:         str(v, "subject"),
		QueueCapacity:   v.GetInt("queue_capacity"),
		Overflow:        str(v, "overflow"),
		Format:          str(v, "format"),
		Filter:          str(v, "filter"),
		Threshold:       str(v, "threshold"),
	}
	if period := str(v, "rotate_period"); period != "" {
		d, err := time.ParseDuration(period)
		if err != nil {
			return nil, errors.Wrap(err, "rotate_period")
		}
		sc.RotatePeriod = d
	}
	if arr := v.GetArray("dispatch"); arr != nil {
		for _, item := range arr {
			if item.Type() == fastjson.TypeString {
				sc.Dispatch = append(sc.Dispatch, DispatchRef{Ref: string(item.GetStringBytes())})
				continue
			}
			inline, err := parseStream(item)
			if err != nil {
				return nil, errors.Wrap(err, "inline dispatch stream")
			}
			sc.Dispatch = append(sc.Dispatch, DispatchRef{Inline: inline})
		}
	}
	return sc, nil
}

func parseLogger(v *fastjson.Value) (*LoggerConfig, error) {
	lc := &LoggerConfig{Threshold: str(v, "threshold")}
	if s := str(v, "stream"); s != "" {
		lc.Streams = []string{s}
	} else if arr := v.GetArray("stream"); arr != nil {
		for _, item := range arr {
			lc.Streams = append(lc.Streams, string(item.GetStringBytes()))
		}
	}
	return lc, nil
}

func str(v *fastjson.Value, key string) string {
	return string(v.GetStringBytes(key))
}

// sinkBuilder builds the sink graph for one Apply pass, detecting
// dispatcher reference cycles.
type sinkBuilder struct {
	cfg      *Config
	built    map[string]Sink
	visiting map[string]bool
	adopted  []Sink
	asyncs   []*AsyncSink
}

// Apply validates and installs a configuration. All sinks, formats,
// and filters are built before any runtime state changes; a failed
// Apply leaves the previous configuration fully in place.
func Apply(cfg *Config) error {
	b := &sinkBuilder{
		cfg:      cfg,
		built:    map[string]Sink{},
		visiting: map[string]bool{},
	}

	type loggerPlan struct {
		name      string
		threshold Severity
		hasThresh bool
		sinks     []Sink
	}
	var plans []loggerPlan
	buildErr := func(err error) error {
		// A failed Apply must leave runtime state untouched; undo
		// any sinks built during validation.
		for _, s := range b.adopted {
			s.Close()
		}
		return err
	}
	for name, lc := range cfg.Loggers {
		plan := loggerPlan{name: name}
		if lc.Threshold != "" {
			sev, err := ParseSeverity(lc.Threshold)
			if err != nil {
				return buildErr(errors.Wrapf(err, "logger %q", name))
			}
			plan.threshold = sev
			plan.hasThresh = true
		}
		for _, ref := range lc.Streams {
			sink, err := b.sinkFor(ref)
			if err != nil {
				return buildErr(errors.Wrapf(err, "logger %q", name))
			}
			plan.sinks = append(plan.sinks, sink)
		}
		plans = append(plans, plan)
	}

	// Validation passed: commit. Async workers start only now so a
	// failed Apply never spawns goroutines.
	for _, s := range b.asyncs {
		s.start()
		registerAsyncSink(s)
	}
	for _, plan := range plans {
		if plan.hasThresh {
			SetThreshold(plan.name, plan.threshold)
		}
		if len(plan.sinks) > 0 {
			SetSinks(plan.name, plan.sinks...)
		}
	}
	for _, s := range b.adopted {
		adoptSink(s)
	}
	return nil
}

// ReloadConfig parses and applies a configuration document. Threshold
// changes take effect immediately for subsequent emissions.
func ReloadConfig(text string) error {
	cfg, err := LoadConfig(text)
	if err != nil {
		return err
	}
	return Apply(cfg)
}

// sinkFor resolves a stream reference, building it on first use.
func (b *sinkBuilder) sinkFor(ref string) (Sink, error) {
	if s, ok := b.built[ref]; ok {
		return s, nil
	}
	if b.visiting[ref] {
		return nil, errors.Errorf("cyclic dispatcher reference through %q", ref)
	}
	sc, ok := b.cfg.Streams[ref]
	if !ok {
		return nil, errors.Errorf("unknown stream %q", ref)
	}
	b.visiting[ref] = true
	defer delete(b.visiting, ref)
	s, err := b.build(ref, sc)
	if err != nil {
		return nil, err
	}
	b.built[ref] = s
	return s, nil
}

func (b *sinkBuilder) build(name string, sc *StreamConfig) (Sink, error) {
	var format *Format
	if sc.Format != "" {
		f, err := ParseFormat(sc.Format)
		if err != nil {
			return nil, err
		}
		format = f
	}
	var filter Predicate
	if sc.Filter != "" {
		p, err := CompileFilter(sc.Filter)
		if err != nil {
			return nil, err
		}
		filter = p
	}
	var minLevel Severity
	if sc.Threshold != "" {
		sev, err := ParseSeverity(sc.Threshold)
		if err != nil {
			return nil, err
		}
		minLevel = sev
	}

	switch sc.Type {
	case "file", "zip":
		if sc.Filename == "" {
			return nil, errors.Errorf("stream %q: file sink requires a filename", name)
		}
		s := NewFileSink(name, sc.Filename, FileSinkOptions{
			Format:          format,
			Filter:          filter,
			MinLevel:        minLevel,
			BufferSize:      sc.Buffering,
			RotateSize:      sc.RotateSize,
			RotatePeriod:    sc.RotatePeriod,
			CompressOnClose: sc.CompressOnClose,
			CreateDirs:      sc.CreateDirs,
			Gzip:            sc.Type == "zip",
		})
		b.adopted = append(b.adopted, s)
		return s, nil

	case "socket":
		if sc.Address == "" {
			return nil, errors.Errorf("stream %q: socket sink requires an address", name)
		}
		network := sc.Network
		if network == "" {
			network = "tcp"
		}
		s := NewSocketSink(name, network, sc.Address, format, filter, minLevel)
		b.adopted = append(b.adopted, s)
		return s, nil

	case "syslog":
		if sc.Address == "" {
			return nil, errors.Errorf("stream %q: syslog sink requires an address", name)
		}
		s := NewSyslogSink(name, sc.Address, sc.Tag, format, filter, minLevel)
		b.adopted = append(b.adopted, s)
		return s, nil

	case "nats":
		s, err := NewNATSSink(name, sc.URL, sc.Subject, format, filter, minLevel)
		if err != nil {
			return nil, err
		}
		b.adopted = append(b.adopted, s)
		return s, nil

	case "dispatcher":
		children, err := b.children(name, sc)
		if err != nil {
			return nil, err
		}
		return NewDispatcherSink(name, children...), nil

	case "async":
		children, err := b.children(name, sc)
		if err != nil {
			return nil, err
		}
		var inner Sink
		if len(children) == 1 {
			inner = children[0]
		} else {
			inner = NewDispatcherSink(name+".dispatch", children...)
		}
		policy, ok := ParseOverflowPolicy(sc.Overflow)
		if !ok {
			return nil, errors.Errorf("stream %q: unknown overflow policy %q", name, sc.Overflow)
		}
		s := newAsyncSink(name, inner, AsyncOptions{
			QueueCapacity: sc.QueueCapacity,
			Overflow:      policy,
		})
		b.asyncs = append(b.asyncs, s)
		return s, nil

	case "":
		return nil, errors.Errorf("stream %q: missing type", name)
	}
	return nil, errors.Errorf("stream %q: unknown type %q", name, sc.Type)
}

func (b *sinkBuilder) children(name string, sc *StreamConfig) ([]Sink, error) {
	if len(sc.Dispatch) == 0 {
		return nil, errors.Errorf("stream %q: %s requires a dispatch list", name, sc.Type)
	}
	var children []Sink
	for i, ref := range sc.Dispatch {
		if ref.Ref != "" {
			child, err := b.sinkFor(ref.Ref)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
			continue
		}
		if ref.Inline == nil {
			return nil, errors.Errorf("stream %q: empty dispatch entry", name)
		}
		child, err := b.build(name+".inline."+strconv.Itoa(i), ref.Inline)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, nil
}
