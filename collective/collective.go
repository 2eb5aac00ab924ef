// Package collective coordinates codec replicas across training workers.
//
// The codec only needs three group operations: a barrier before codebook
// mutation phases, an element-wise sum of usage counts and a broadcast of
// codebook tables from one root rank. Implementations decide the transport;
// the etcd subpackage provides a multi-process communicator and Local covers
// single-process runs.
package collective

import (
	"context"
	"fmt"
)

// Communicator is the synchronization surface shared by all workers of a run.
// All blocking operations honor context cancellation.
type Communicator interface {
	// Rank identifies this worker, in [0, WorldSize).
	Rank() int

	// WorldSize returns the number of participating workers.
	WorldSize() int

	// Barrier blocks until every worker has reached it.
	Barrier(ctx context.Context) error

	// AllReduceSum replaces vals in place with the element-wise sum of every
	// worker's vals. All workers must pass the same length.
	AllReduceSum(ctx context.Context, vals []float64) error

	// Broadcast replaces vals in place with the root worker's values. All
	// workers must pass the same length and the same root.
	Broadcast(ctx context.Context, vals []float32, root int) error
}

// Local is the communicator of a single-process run: world size one, every
// group operation completes immediately.
type Local struct{}

// Rank implements Communicator.
func (Local) Rank() int { return 0 }

// WorldSize implements Communicator.
func (Local) WorldSize() int { return 1 }

// Barrier implements Communicator.
func (Local) Barrier(ctx context.Context) error { return ctx.Err() }

// AllReduceSum implements Communicator. With a single worker the sum is the
// input itself.
func (Local) AllReduceSum(ctx context.Context, vals []float64) error { return ctx.Err() }

// Broadcast implements Communicator. With a single worker only root 0 exists.
func (Local) Broadcast(ctx context.Context, vals []float32, root int) error {
	if root != 0 {
		return fmt.Errorf("collective: root %d out of range for world size 1", root)
	}

	return ctx.Err()
}
