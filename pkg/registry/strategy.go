package registry

import (
	"errors"
	"fmt"

	"github.com/meshgate/meshgate/pkg/config"
)

// Resolution is a strategy's verdict for a cross-backend name collision.
type Resolution int

const (
	// ResolutionSkip keeps the existing registrant.
	ResolutionSkip Resolution = iota
	// ResolutionReplace evicts the existing entry and its route.
	ResolutionReplace
	// ResolutionRename retries once under the strategy's alternate name; a
	// second collision is skipped, not retried further.
	ResolutionRename
	// ResolutionError aborts the registration with an error.
	ResolutionError
)

// ErrNameConflict is returned by the error strategy on any collision.
var ErrNameConflict = errors.New("capability name conflict")

// Strategy decides how exposed names are derived and how cross-backend
// collisions resolve. Implementations must be deterministic so the outcome of
// a discovery pass does not depend on backend completion order.
type Strategy interface {
	// TransformName derives the exposed name for a backend's capability.
	TransformName(backend, name string) string
	// ResolveConflict is consulted when a different backend already owns the
	// exposed name. For ResolutionRename the returned string is the alternate
	// name to try; it is empty otherwise.
	ResolveConflict(backend, exposed string, current Route) (Resolution, string, error)
}

// NewStrategy builds the configured conflict strategy.
func NewStrategy(cfg config.ConflictConfig) (Strategy, error) {
	switch cfg.Strategy {
	case config.StrategyFirstWins:
		return firstWins{}, nil
	case config.StrategyPrefix:
		sep := cfg.Separator
		if sep == "" {
			sep = config.DefaultSeparator
		}
		return prefix{separator: sep}, nil
	case config.StrategyPriority:
		ranks := make(map[string]int, len(cfg.Priority))
		for i, name := range cfg.Priority {
			ranks[name] = i
		}
		return priority{ranks: ranks}, nil
	case config.StrategyError:
		return errorStrategy{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidStrategy, cfg.Strategy)
	}
}

// firstWins keeps the earliest registrant for a contested name.
type firstWins struct{}

func (firstWins) TransformName(_, name string) string { return name }

func (firstWins) ResolveConflict(string, string, Route) (Resolution, string, error) {
	return ResolutionSkip, "", nil
}

// prefix namespaces every capability with its backend name, making
// collisions impossible by construction.
type prefix struct {
	separator string
}

func (p prefix) TransformName(backend, name string) string {
	return backend + p.separator + name
}

func (p prefix) ResolveConflict(string, string, Route) (Resolution, string, error) {
	// Unreachable across backends. A same-backend collision between kinds
	// still lands here and keeps the earlier registrant.
	return ResolutionSkip, "", nil
}

// priority lets a configured backend order decide contested names. A backend
// missing from the order ranks below every listed one.
type priority struct {
	ranks map[string]int
}

func (p priority) TransformName(_, name string) string { return name }

func (p priority) ResolveConflict(backend, _ string, current Route) (Resolution, string, error) {
	if p.rank(backend) < p.rank(current.Backend) {
		return ResolutionReplace, "", nil
	}
	return ResolutionSkip, "", nil
}

func (p priority) rank(backend string) int {
	if r, ok := p.ranks[backend]; ok {
		return r
	}
	return len(p.ranks)
}

// errorStrategy treats any cross-backend collision as a configuration error.
type errorStrategy struct{}

func (errorStrategy) TransformName(_, name string) string { return name }

func (errorStrategy) ResolveConflict(backend, exposed string, current Route) (Resolution, string, error) {
	return ResolutionError, "", fmt.Errorf("%w: %q claimed by both %q and %q", ErrNameConflict, exposed, current.Backend, backend)
}
