package validator

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultMaxDepth is the longest chain accepted unless configured otherwise.
const DefaultMaxDepth = 10

// Policy holds the tunable parts of path validation. It can be loaded from
// YAML:
//
//	max_chain_depth: 5
//	clock_skew: 30s
//	require_key_cert_sign: true
type Policy struct {
	// MaxDepth is the maximum number of certificates in a chain.
	MaxDepth int `yaml:"max_chain_depth"`

	// ClockSkew widens every validity window by this much on both ends.
	ClockSkew time.Duration `yaml:"clock_skew"`

	// RequireKeyCertSign rejects CA certificates whose key usage extension
	// is present but lacks keyCertSign.
	RequireKeyCertSign bool `yaml:"require_key_cert_sign"`
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxDepth:           DefaultMaxDepth,
		RequireKeyCertSign: true,
	}
}

// Validate checks that the policy values are in range.
func (p Policy) Validate() error {
	if p.MaxDepth < 1 {
		return fmt.Errorf("%w: max_chain_depth must be at least 1, got %d", ErrInvalidPolicy, p.MaxDepth)
	}
	if p.ClockSkew < 0 {
		return fmt.Errorf("%w: clock_skew must not be negative, got %v", ErrInvalidPolicy, p.ClockSkew)
	}
	return nil
}

// LoadPolicy reads a YAML policy from r. Keys left out keep their default
// values; unknown keys are an error.
func LoadPolicy(r io.Reader) (Policy, error) {
	p := DefaultPolicy()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return Policy{}, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Option configures a validator.
type Option func(*options)

type options struct {
	policy Policy
	logger *slog.Logger
	now    func() time.Time
	err    error
}

func newOptions(opts []Option) *options {
	o := &options{
		policy: DefaultPolicy(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With("component", "validator")
	if o.err == nil {
		o.err = o.policy.Validate()
	}
	return o
}

// WithPolicy replaces the whole policy.
func WithPolicy(p Policy) Option {
	return func(o *options) {
		o.policy = p
	}
}

// WithMaxDepth sets the maximum chain length.
// Default: DefaultMaxDepth.
func WithMaxDepth(n int) Option {
	return func(o *options) {
		o.policy.MaxDepth = n
	}
}

// WithClockSkew tolerates clocks that disagree by up to d.
// Default: 0.
func WithClockSkew(d time.Duration) Option {
	return func(o *options) {
		o.policy.ClockSkew = d
	}
}

// WithLogger sets the structured logger validation outcomes are written to.
// Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock sets the source of the validation time used when ReadyStage.At
// is not called.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}
