package adapter

import (
	"context"
	"maps"
)

// Config is the executor configuration (schema location, debug flags and
// so on). The adapter treats it as opaque.
type Config map[string]any

// OptionsFunc derives a Config for a single invocation.
type OptionsFunc func(ctx context.Context, inv Invocation) (Config, error)

// Options is either a static Config or a function deriving one per
// invocation. The zero value carries neither and is rejected by New.
type Options struct {
	static  Config
	derived OptionsFunc
}

// Static wraps a fixed Config.
func Static(cfg Config) Options {
	return Options{static: cfg}
}

// Derived wraps a function that computes the Config from the invocation.
func Derived(fn OptionsFunc) Options {
	return Options{derived: fn}
}

// IsZero reports whether no usable variant was supplied.
func (o Options) IsZero() bool {
	return o.derived == nil && o.static == nil
}

// IsDerived reports whether the options are computed per invocation.
func (o Options) IsDerived() bool {
	return o.derived != nil
}

// Resolve returns the Config for inv. Static options ignore inv and return
// a copy so executors cannot mutate the captured value.
func (o Options) Resolve(ctx context.Context, inv Invocation) (Config, error) {
	if o.derived != nil {
		return o.derived(ctx, inv)
	}
	return maps.Clone(o.static), nil
}
