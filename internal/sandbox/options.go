package sandbox

import (
	"log/slog"

	"github.com/cochaviz/tunnelbed/internal/logging"
)

type options struct {
	logger *slog.Logger
}

// Option configures a runtime.
type Option func(*options)

// WithLogger sets the runtime's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func applyOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = logging.Ensure(o.logger).With("component", "sandbox")
	return o
}
