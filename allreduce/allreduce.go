// Package allreduce synchronizes a shared parameter vector
// across workers without a central parameter server.
//
// The vector is split into one shard per worker. Each
// round, every worker publishes compressed slices of its
// local gradient to the shard owners (scatter). Then every
// owner sums the slices it received, applies an update
// rule to its weight shard and republishes it (gather).
package allreduce

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
	"golang.org/x/exp/maps"
)

var (
	// ErrMidRound is returned by GetParameter when it is
	// called between the scatter and gather phases.
	ErrMidRound = errors.New("parameters are undefined in the middle of a round")

	// ErrNotInitialized is returned when a round is run
	// before Initialize.
	ErrNotInitialized = errors.New("parameter manager is not initialized")

	// ErrNotScattered is returned when a gather is started
	// without a preceding scatter.
	ErrNotScattered = errors.New("no gradients were scattered this round")
)

// State is an optimizer's state table, such as a step
// counter or a learning rate schedule.
type State map[string]any

// Clone makes a shallow copy of the table.
func (s State) Clone() State {
	if s == nil {
		return State{}
	}
	return maps.Clone(s)
}

// An UpdateFunc applies an optimization step to a shard.
//
// Update is called at most once per shard per round, and
// may be called concurrently for different shards.
// It must modify weight (and optionally state) in place.
// grad holds the reduced gradient for the shard and must
// not be retained after Update returns.
type UpdateFunc[T constraints.Float] interface {
	Update(weight, grad []T, state State)
}

// UpdateFn adapts a function to the UpdateFunc interface.
type UpdateFn[T constraints.Float] func(weight, grad []T, state State)

// Update calls u(weight, grad, state).
func (u UpdateFn[T]) Update(weight, grad []T, state State) {
	u(weight, grad, state)
}

// A Round identifies one scatter+gather+update cycle.
type Round struct {
	Number  int
	Started time.Time
}

// NewRound starts a round now.
func NewRound(number int) Round {
	return Round{Number: number, Started: time.Now()}
}

// Elapsed returns the time since the round started.
func (r Round) Elapsed() time.Duration {
	return time.Since(r.Started)
}

// Reduction determines how gradients from different
// workers are combined.
type Reduction int

const (
	// Sum adds the gradients together.
	Sum Reduction = iota

	// Mean averages the gradients over the workers.
	Mean
)

// ParseReduction parses the name of a Reduction.
func ParseReduction(name string) (Reduction, error) {
	switch strings.ToLower(name) {
	case "", "sum":
		return Sum, nil
	case "mean", "avg", "average":
		return Mean, nil
	}
	return 0, errors.Errorf("unknown reduction: %q", name)
}

func (r Reduction) String() string {
	switch r {
	case Sum:
		return "sum"
	case Mean:
		return "mean"
	}
	return fmt.Sprintf("Reduction(%d)", int(r))
}

// MarshalText implements encoding.TextMarshaler.
func (r Reduction) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Reduction) UnmarshalText(text []byte) error {
	parsed, err := ParseReduction(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
