package rt

import "log/slog"

// Option configures backend selection in New.
// Use functional options to customize probing.
//
// Example:
//
//	// Default probe order (webgpu, then native, then stub)
//	b := rt.New()
//
//	// Force the Pure Go path
//	b := rt.New(rt.WithPriority(rt.NameNative))
type Option func(*options)

// options holds optional configuration for New.
type options struct {
	priority []string
}

// defaultOptions returns the default probe configuration.
func defaultOptions() options {
	return options{
		priority: backendPriority,
	}
}

// WithPriority overrides the probe order. Names not registered are
// skipped; an empty list means every probe fails and New returns the
// stub backend.
//
// Example:
//
//	b := rt.New(rt.WithPriority(rt.NameNative, rt.NameWebGPU))
func WithPriority(names ...string) Option {
	return func(o *options) {
		o.priority = names
	}
}

// WithLogger installs l as the package logger before probing starts,
// so adapter selection and probe failures are visible. Equivalent to
// calling SetLogger first.
//
// Example:
//
//	b := rt.New(rt.WithLogger(slog.Default()))
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		SetLogger(l)
	}
}
