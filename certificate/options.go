package certificate

import (
	"crypto/rand"
	"io"
	"log/slog"
	"time"

	"github.com/jmcleod/ironchain/serial"
)

// Option configures a certificate creator.
type Option func(*options)

type options struct {
	serials serial.Source
	logger  *slog.Logger
	rand    io.Reader
	now     func() time.Time
}

func newOptions(opts []Option) *options {
	o := &options{
		rand: rand.Reader,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.serials == nil {
		o.serials = serial.NewRandom(o.rand)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With("component", "certificate")
	return o
}

// WithSerialSource sets where serial numbers come from.
// Default: random 127-bit serials from the creator's entropy source.
func WithSerialSource(src serial.Source) Option {
	return func(o *options) {
		o.serials = src
	}
}

// WithLogger sets the structured logger issuance events are written to.
// Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithRandom sets the entropy source used for signing and random serials.
func WithRandom(r io.Reader) Option {
	return func(o *options) {
		o.rand = r
	}
}

// WithClock sets the function used to read the current time when a
// certificate's validity starts "now".
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}
