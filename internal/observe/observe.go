package observe

import (
	"context"
	"io"

	"github.com/felixgeelhaar/bolt/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/natefinch/lumberjack.v2"
)

var tracer = otel.Tracer("mediamcp")

// Observer handles logging and tracing
type Observer struct {
	log  *bolt.Logger
	sink io.Closer
}

// Options selects the output format and sinks of an Observer.
type Options struct {
	JSON    bool
	Verbose bool
	// LogFile, when set, receives a copy of every record through a rotating writer.
	LogFile string
}

// New creates a new Observer with console output.
// If verbose is false, only warnings and errors are shown.
func New(out io.Writer, verbose bool) *Observer {
	return NewWithOptions(out, Options{Verbose: verbose})
}

// NewJSON creates a new Observer with JSON output.
func NewJSON(out io.Writer, verbose bool) *Observer {
	return NewWithOptions(out, Options{JSON: true, Verbose: verbose})
}

// NewWithOptions builds an Observer from explicit options.
func NewWithOptions(out io.Writer, opts Options) *Observer {
	o := &Observer{}

	if opts.LogFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.LogFile,
			MaxSize:    50, // megabytes
			MaxBackups: 3,
			MaxAge:     14, // days
			Compress:   true,
		}
		o.sink = rotator
		out = io.MultiWriter(out, rotator)
	}

	if opts.JSON {
		o.log = bolt.New(bolt.NewJSONHandler(out))
	} else {
		o.log = bolt.New(bolt.NewConsoleHandler(out))
	}

	if !opts.Verbose {
		o.log.SetLevel(bolt.WARN)
	}
	return o
}

// Log returns the underlying logger
func (o *Observer) Log() *bolt.Logger {
	return o.log
}

// StartSpan starts a new OTel span
func (o *Observer) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name)
}

// Close releases the rotating log file, if any.
func (o *Observer) Close() error {
	if o.sink != nil {
		return o.sink.Close()
	}
	return nil
}
