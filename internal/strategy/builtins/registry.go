package builtins

import "factorlab/internal/strategy"

// NewRegistry returns a registry holding every built-in strategy, with TopK
// configured at cutoff k.
func NewRegistry(k int) (*strategy.Registry, error) {
	topk, err := NewTopK(k)
	if err != nil {
		return nil, err
	}
	r := strategy.NewRegistry()
	r.Register(topk)
	r.Register(NewEqualWeight())
	return r, nil
}
