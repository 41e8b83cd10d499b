// Package dispatch enqueues built programs and caches them per operation
// signature so repeated calls only rebind buffer addresses.
package dispatch

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/djeday123/gometal/core"
	"github.com/djeday123/gometal/program"
)

// Queue accepts programs for execution.
type Queue interface {
	EnqueueProgram(ctx context.Context, p *program.Program) error
}

// Dispatch is the runtime argument state of a program at the moment it was
// enqueued.
type Dispatch struct {
	Program *program.Program
	Args    map[program.KernelID]map[core.CoreCoord][]uint32
}

// HostQueue is a slow-dispatch queue: programs are checked and recorded on
// the host, one at a time.
type HostQueue struct {
	mu         sync.Mutex
	dispatched []Dispatch
}

var _ Queue = (*HostQueue)(nil)

// NewHostQueue returns an empty queue.
func NewHostQueue() *HostQueue {
	return &HostQueue{}
}

// EnqueueProgram checks p is sealed and that every data-movement kernel has
// runtime arguments on each core it is bound to, then records a snapshot.
func (q *HostQueue) EnqueueProgram(ctx context.Context, p *program.Program) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p == nil {
		return errors.Wrap(core.ErrConfiguration, "enqueue: nil program")
	}
	if !p.Sealed() {
		return errors.Wrap(core.ErrConfiguration, "enqueue: program is not sealed")
	}
	snap := Dispatch{Program: p, Args: make(map[program.KernelID]map[core.CoreCoord][]uint32)}
	for _, k := range p.Kernels() {
		perCore := make(map[core.CoreCoord][]uint32)
		for _, c := range k.Cores().Cores() {
			if !k.HasRuntimeArgs(c) {
				if k.Kind() == program.DataMovement {
					err := errors.Wrapf(core.ErrConfiguration, "enqueue: kernel %d (%s) has no runtime args on core %s", k.ID(), k.Source(), c)
					klog.Errorf("%v", err)
					return err
				}
				continue
			}
			args, err := k.RuntimeArgs(c)
			if err != nil {
				return err
			}
			perCore[c] = args
		}
		snap.Args[k.ID()] = perCore
	}

	q.mu.Lock()
	q.dispatched = append(q.dispatched, snap)
	n := len(q.dispatched)
	q.mu.Unlock()
	klog.V(2).Infof("enqueue: program #%d, %d kernels on %d cores", n, len(p.Kernels()), len(p.LogicalCores()))
	return nil
}

// Dispatched returns the snapshots recorded so far in enqueue order.
func (q *HostQueue) Dispatched() []Dispatch {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Dispatch(nil), q.dispatched...)
}
