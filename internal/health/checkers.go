package health

import (
	"context"
	"fmt"

	"github.com/MrWong99/ghostvoice/internal/resilience"
)

// Pinger is a dependency that can be pinged, such as a connection pool or a
// registry client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to [Pinger].
type PingFunc func(ctx context.Context) error

// Ping calls f.
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Ping returns a required checker named name that calls p.Ping.
func Ping(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// Optional returns c marked as optional.
func Optional(c Checker) Checker {
	c.Optional = true
	return c
}

// Breaker reports the synthesis provider as seen by the governor: an open
// circuit fails readiness, a half-open circuit or a slow provider degrades
// it.
func Breaker(name string, g *resilience.Governor) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			switch st := g.State(); {
			case st == resilience.StateOpen:
				return fmt.Errorf("provider circuit %s", st)
			case st == resilience.StateHalfOpen:
				return fmt.Errorf("%w: provider circuit %s", ErrDegraded, st)
			case g.Degraded():
				snap := g.Snapshot()
				return fmt.Errorf("%w: provider latency %s", ErrDegraded, snap.LatencyEWMA)
			}
			return nil
		},
	}
}
