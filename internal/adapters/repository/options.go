package repository

import "github.com/okian/pitwall/pkg/logger"

type options struct {
	name     string
	capacity int
	logger   logger.Logger
}

// Option configures a Store.
type Option func(*options)

// WithName labels the board in metrics and storage keys.
func WithName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.name = name
		}
	}
}

// WithCapacity bounds the number of keys kept. Zero or negative is unbounded.
func WithCapacity(n int) Option {
	return func(o *options) {
		o.capacity = n
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{name: "records", capacity: 100}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logger.Get().Named("repository")
	}
	return o
}
