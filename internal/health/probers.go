package health

import (
	"context"
)

// balancerProber wraps a no-argument readiness check so internal/balancer's
// generic Balancer[S] can be probed without this package importing the
// generic type directly.
type balancerProber struct {
	name  string
	check func() error
}

// NewBalancerProber builds a Prober around a balancer readiness check
// (typically `func() error { _, err := b.Pick(); return err }`).
func NewBalancerProber(name string, check func() error) Prober {
	return &balancerProber{name: name, check: check}
}

func (b *balancerProber) Name() string { return b.name }

func (b *balancerProber) Probe(_ context.Context) Status {
	if err := b.check(); err != nil {
		return StatusUnavailable
	}
	return StatusOK
}

// FuncProber adapts any ping-style function (cache ping, control-plane
// state check) into a Prober.
type FuncProber struct {
	ProbeName string
	Check     func(ctx context.Context) error
}

func (f *FuncProber) Name() string { return f.ProbeName }

func (f *FuncProber) Probe(ctx context.Context) Status {
	if err := f.Check(ctx); err != nil {
		return StatusDegraded
	}
	return StatusOK
}
