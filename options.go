package dbus

import (
	"log"
	"time"
)

// defaultCallTimeout is applied to blocking calls whose context
// carries no deadline of its own.
const defaultCallTimeout = 25 * time.Second

type connOptions struct {
	callTimeout    time.Duration
	skipValidation bool
	logf           func(format string, args ...any)
}

// An Option adjusts the behavior of a connection.
type Option func(*connOptions)

// WithCallTimeout sets the timeout applied to blocking calls whose
// context has no deadline. The default is 25 seconds.
func WithCallTimeout(d time.Duration) Option {
	return func(o *connOptions) { o.callTimeout = d }
}

// SkipValidation disables grammar validation of outbound names and
// paths, trading safety for speed. Structural message validation
// still applies.
func SkipValidation() Option {
	return func(o *connOptions) { o.skipValidation = true }
}

// WithLogger routes the connection's diagnostics to l instead of
// the standard logger. Diagnostics cover non-fatal protocol
// violations such as replies to unknown serials and panicking
// handlers.
func WithLogger(l *log.Logger) Option {
	return func(o *connOptions) { o.logf = l.Printf }
}

func resolveOptions(opts []Option) connOptions {
	o := connOptions{
		callTimeout: defaultCallTimeout,
		logf:        log.Printf,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
