package dispatch

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/djeday123/gometal/ops"
	"github.com/djeday123/gometal/tensor"
)

// Key identifies a program by operation, attributes and input signature.
type Key uint64

// KeyFor hashes the name and attributes of op with the device, shape, dtype
// and layout of each input. Devices are told apart by handle, not by ID.
// Buffer addresses are not part of the key.
func KeyFor(op ops.Operation, inputs []*tensor.Tensor) Key {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s", op.Name(), op.Attributes())
	for _, in := range inputs {
		fmt.Fprintf(h, "|%p:%s:%s:%s", in.Device(), in.Shape(), in.DType(), in.Layout())
	}
	return Key(h.Sum64())
}

// CacheStats counts cache lookups.
type CacheStats struct {
	Hits    int
	Misses  int
	Entries int
}

// Cache keeps built programs and replays them on later calls with the same
// key. Reuse of a cached program is serialized by the cache lock.
type Cache struct {
	queue   Queue
	enabled bool

	mu      sync.Mutex
	entries map[Key]*ops.ProgramWithCallbacks
	stats   CacheStats
}

// NewCache returns a cache that enqueues on q. A disabled cache builds a
// fresh program on every call.
func NewCache(q Queue, enabled bool) *Cache {
	return &Cache{
		queue:   q,
		enabled: enabled,
		entries: make(map[Key]*ops.ProgramWithCallbacks),
	}
}

// Run executes op on inputs and returns its outputs. On a miss the program is
// built and stored; on a hit fresh outputs are allocated and the cached
// program is rebound to them.
func (c *Cache) Run(ctx context.Context, op ops.Operation, inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := KeyFor(op, inputs)

	c.mu.Lock()
	defer c.mu.Unlock()
	pwc, hit := c.entries[key]
	var outputs []*tensor.Tensor
	if hit && c.enabled {
		c.stats.Hits++
		if err := op.Validate(inputs); err != nil {
			return nil, errors.Wrapf(err, "%s", op.Name())
		}
		var err error
		outputs, err = op.CreateOutputTensors(inputs)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: output tensors", op.Name())
		}
		if err := pwc.Rebinder.Rebind(ops.Buffers(inputs), ops.Buffers(outputs)); err != nil {
			freeAll(outputs)
			return nil, errors.Wrapf(err, "%s", op.Name())
		}
		klog.V(3).Infof("cache hit %s key=%#x", op.Name(), uint64(key))
	} else {
		c.stats.Misses++
		var err error
		pwc, outputs, err = ops.Run(op, inputs)
		if err != nil {
			return nil, err
		}
		if c.enabled {
			c.entries[key] = pwc
		}
		klog.V(3).Infof("cache miss %s key=%#x", op.Name(), uint64(key))
	}

	if err := c.queue.EnqueueProgram(ctx, pwc.Program); err != nil {
		freeAll(outputs)
		return nil, errors.Wrapf(err, "%s: enqueue", op.Name())
	}
	return outputs, nil
}

// Request is one operation call for Warm.
type Request struct {
	Op     ops.Operation
	Inputs []*tensor.Tensor
}

// Warm builds and stores the programs of requests without enqueueing them,
// using at most workers goroutines. Requests already cached are skipped.
func (c *Cache) Warm(ctx context.Context, requests []Request, workers int) error {
	if !c.enabled {
		return nil
	}
	if workers < 1 {
		workers = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, req := range requests {
		req := req
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := KeyFor(req.Op, req.Inputs)
			c.mu.Lock()
			_, ok := c.entries[key]
			c.mu.Unlock()
			if ok {
				return nil
			}
			pwc, outputs, err := ops.Run(req.Op, req.Inputs)
			if err != nil {
				return err
			}
			// Every hit rebinds before enqueueing, so the build outputs can go.
			freeAll(outputs)
			c.mu.Lock()
			defer c.mu.Unlock()
			if _, ok := c.entries[key]; ok {
				return nil
			}
			c.entries[key] = pwc
			klog.V(3).Infof("cache warm %s key=%#x", req.Op.Name(), uint64(key))
			return nil
		})
	}
	return g.Wait()
}

// Stats returns a snapshot of the lookup counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.entries)
	return s
}

// Len returns the number of cached programs.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func freeAll(ts []*tensor.Tensor) {
	for _, t := range ts {
		t.Free()
	}
}
