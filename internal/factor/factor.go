// Package factor turns provider features into named, lagged factor panels.
package factor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"factorlab/internal/compute"
	"factorlab/internal/panel"
	"factorlab/internal/provider"
)

// ReturnsName names the target return panel.
const ReturnsName = "RETURN"

// Source supplies the input feature panels. *provider.Provider satisfies it.
type Source interface {
	Feature(name string) (*panel.Panel, error)
}

// BuildFunc computes a factor's value as known at the close of each date.
type BuildFunc func(src Source) (*panel.Panel, error)

// Builder is a named factor definition.
type Builder struct {
	Name  string
	Build BuildFunc
}

// Registry holds factor builders by name, remembering registration order.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
	order    []string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// Register adds b, replacing any builder with the same name.
func (r *Registry) Register(b Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.builders[b.Name]; !ok {
		r.order = append(r.order, b.Name)
	}
	r.builders[b.Name] = b
}

// Get returns the builder called name.
func (r *Registry) Get(name string) (Builder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.builders[name]
	return b, ok
}

// List returns the registered names in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Select returns the builders for names, or all of them when names is empty.
func (r *Registry) Select(names ...string) ([]Builder, error) {
	if len(names) == 0 {
		names = r.List()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Builder, 0, len(names))
	for _, n := range names {
		b, ok := r.builders[n]
		if !ok {
			known := append([]string(nil), r.order...)
			sort.Strings(known)
			return nil, fmt.Errorf("unknown factor %q (known: %v)", n, known)
		}
		out = append(out, b)
	}
	return out, nil
}

// PastReturn is the n-period log return of the adjusted close.
func PastReturn(n int) Builder {
	return Builder{
		Name: fmt.Sprintf("PAST_RETURN_%d", n),
		Build: func(src Source) (*panel.Panel, error) {
			c, err := src.Feature(provider.CloseAdj)
			if err != nil {
				return nil, err
			}
			return compute.Ret(c, n), nil
		},
	}
}

// PastReturnVolCorr is the rolling n-period correlation between the n-period
// return and volume.
func PastReturnVolCorr(n int) Builder {
	return Builder{
		Name: fmt.Sprintf("PAST_RETURN_VOL_CORR%d", n),
		Build: func(src Source) (*panel.Panel, error) {
			c, err := src.Feature(provider.CloseAdj)
			if err != nil {
				return nil, err
			}
			v, err := src.Feature(provider.Volume)
			if err != nil {
				return nil, err
			}
			return compute.RollingCorr(compute.Ret(c, n), v, n)
		},
	}
}

// DefaultRegistry returns the standard factor set.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, n := range []int{1, 2, 3, 5, 10, 15} {
		r.Register(PastReturn(n))
	}
	for _, n := range []int{5, 10, 15, 20} {
		r.Register(PastReturnVolCorr(n))
	}
	return r
}

// Returns computes the one-period log return of the adjusted close, the
// target the factors are fit against.
func Returns(src Source) (*panel.Panel, error) {
	c, err := src.Feature(provider.CloseAdj)
	if err != nil {
		return nil, err
	}
	r := compute.Ret(c, 1)
	r.Name = ReturnsName
	return r, nil
}

// Set is an ordered collection of factor panels sharing one grid.
type Set struct {
	Names  []string
	Panels []*panel.Panel
}

// NewSet builds a Set from panels, checking that they share axes.
func NewSet(panels []*panel.Panel) (*Set, error) {
	s := &Set{Names: make([]string, len(panels)), Panels: panels}
	for i, p := range panels {
		if i > 0 {
			if err := panel.CheckSameAxes(panels[0], p); err != nil {
				return nil, fmt.Errorf("factor %s: %w", p.Name, err)
			}
		}
		s.Names[i] = p.Name
	}
	return s, nil
}

// Len returns the number of factors.
func (s *Set) Len() int { return len(s.Panels) }

// Get returns the factor called name.
func (s *Set) Get(name string) (*panel.Panel, bool) {
	for i, n := range s.Names {
		if n == name {
			return s.Panels[i], true
		}
	}
	return nil, false
}

// Template returns the first panel, whose axes every factor shares.
func (s *Set) Template() *panel.Panel {
	if len(s.Panels) == 0 {
		return nil
	}
	return s.Panels[0]
}

// Assemble evaluates builders against src with up to workers goroutines and
// lags every result by one period, so that the factor on date t only uses
// data through t-1. The Set keeps the order of builders.
func Assemble(ctx context.Context, src Source, builders []Builder, workers int) (*Set, error) {
	if len(builders) == 0 {
		return nil, fmt.Errorf("assemble: no factors")
	}
	if workers < 1 {
		workers = 1
	}
	log := slog.Default().With("component", "factor")

	out := make([]*panel.Panel, len(builders))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, b := range builders {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			raw, err := b.Build(src)
			if err != nil {
				return fmt.Errorf("building %s: %w", b.Name, err)
			}
			lagged := compute.Shift(raw, 1)
			lagged.Name = b.Name
			out[i] = lagged
			log.Debug("factor built", "name", b.Name)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	set, err := NewSet(out)
	if err != nil {
		return nil, err
	}
	log.Info("factors assembled", "count", set.Len())
	return set, nil
}
