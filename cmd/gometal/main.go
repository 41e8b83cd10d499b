package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/djeday123/gometal/backend"
	"github.com/djeday123/gometal/core"
	"github.com/djeday123/gometal/dispatch"
	"github.com/djeday123/gometal/ops"
	"github.com/djeday123/gometal/ops/pool"
	"github.com/djeday123/gometal/ops/reduce"
	"github.com/djeday123/gometal/pkg/config"
	"github.com/djeday123/gometal/tensor"
)

// ============================================================================
// gometal: build and dispatch device programs on a simulated device
//
// Builds the program for one operator, enqueues it on the host queue and
// replays it through the program cache with freshly allocated buffers.
//
// Examples:
//   TT_METAL_SLOW_DISPATCH_MODE=1 go run ./cmd/gometal -op reduce -dim W -shape 1,2,64,128
//   go run ./cmd/gometal -op reduce -dim HW -math max -strategy multi_core -runs 3 -v 2
//   go run ./cmd/gometal -op maxpool -shape 2,32,8,8 -kernel 3 -stride 2 -pad 1
//   go run ./cmd/gometal -config gometal.json -describe=false
// ============================================================================

func main() {
	klog.InitFlags(nil)

	// --- Flags ---
	configPath := flag.String("config", "", "JSON config file (defaults are used when empty)")
	opName := flag.String("op", "reduce", "Operator: reduce or maxpool")
	shapeFlag := flag.String("shape", "1,1,64,64", "Input shape N,C,H,W")
	dtypeName := flag.String("dtype", "bfloat16", "Input dtype")
	mathName := flag.String("math", "sum", "Reduce math: sum or max")
	dimName := flag.String("dim", "W", "Reduce dim: H, W or HW")
	scaler := flag.Float64("scaler", 1, "Reduce scaler")
	strategyName := flag.String("strategy", "", "Strategy: auto, single_core or multi_core; config default when empty. Max pool runs multi core unless single_core")
	kernel := flag.Int("kernel", 3, "Max pool window size")
	stride := flag.Int("stride", 1, "Max pool stride")
	pad := flag.Int("pad", 0, "Max pool padding")
	runs := flag.Int("runs", 2, "Number of dispatches through the program cache")
	describe := flag.Bool("describe", true, "Print the program description")
	flag.Parse()
	defer klog.Flush()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fatal(err)
		}
	}
	if cfg.Log.Verbosity > 0 {
		_ = flag.Set("v", strconv.Itoa(cfg.Log.Verbosity))
	}
	if cfg.Dispatch.RequireSlowDispatch {
		if err := dispatch.RequireSlowDispatch(cfg.Dispatch.SlowDispatchEnv); err != nil {
			fatal(err)
		}
	}

	dev, err := cfg.Device.NewDevice()
	if err != nil {
		fatal(err)
	}
	shape, err := parseShape(*shapeFlag)
	if err != nil {
		fatal(err)
	}
	dtype, ok := core.ParseDType(*dtypeName)
	if !ok {
		fatal(errors.Wrapf(core.ErrConfiguration, "unknown dtype %q", *dtypeName))
	}

	strategy, err := resolveStrategy(*strategyName, cfg.Ops)
	if err != nil {
		fatal(err)
	}

	var (
		op       ops.Operation
		newInput func() (*tensor.Tensor, error)
	)
	switch *opName {
	case "reduce":
		r := reduce.Reduce{Scaler: float32(*scaler), Strategy: strategy}
		if r.Math, err = reduce.ParseMath(*mathName); err != nil {
			fatal(err)
		}
		if r.Dim, err = reduce.ParseDim(*dimName); err != nil {
			fatal(err)
		}
		op = r
		newInput = func() (*tensor.Tensor, error) {
			return tensor.New(dev, shape, dtype, tensor.TileLayout)
		}
	case "maxpool":
		m, sticks := newMaxPool(shape, uint32(*kernel), uint32(*stride), uint32(*pad), cfg.Ops.PoolNBlocks, strategy)
		op = m
		newInput = func() (*tensor.Tensor, error) {
			return tensor.New(dev, sticks, dtype, tensor.RowMajor)
		}
	default:
		fatal(errors.Wrapf(core.ErrConfiguration, "unknown op %q", *opName))
	}

	fmt.Printf("device: %s\n", dev)
	fmt.Printf("op: %s %s\n", op.Name(), op.Attributes())

	queue := dispatch.NewHostQueue()
	cache := dispatch.NewCache(queue, cfg.Dispatch.CacheEnabled)
	ctx := context.Background()

	if cfg.Dispatch.CacheEnabled {
		if err := warmCache(ctx, cache, op, newInput, cfg.Dispatch.WarmWorkers); err != nil {
			fatal(err)
		}
		fmt.Printf("warm: %d programs cached\n", cache.Len())
	}

	for i := 0; i < *runs; i++ {
		in, err := newInput()
		if err != nil {
			fatal(err)
		}
		outs, err := cache.Run(ctx, op, []*tensor.Tensor{in})
		if err != nil {
			fatal(err)
		}
		fmt.Printf("run %d: in=%#x out=%#x %v\n", i, in.Buffer().Address(), outs[0].Buffer().Address(), outs[0].Shape())
		in.Free()
		for _, out := range outs {
			out.Free()
		}
	}

	dispatched := queue.Dispatched()
	if *describe && len(dispatched) > 0 {
		fmt.Print(dispatched[len(dispatched)-1].Program.Describe())
	}
	st := cache.Stats()
	fmt.Printf("cache: %d hits, %d misses, %d programs\n", st.Hits, st.Misses, st.Entries)
	printAllocator(dev)
}

// resolveStrategy parses the -strategy flag, falling back to the configured
// default when it is empty.
func resolveStrategy(name string, defaults config.OpsConfig) (reduce.Strategy, error) {
	if name == "" {
		return defaults.ReduceStrategy()
	}
	return reduce.ParseStrategy(name)
}

// newMaxPool builds a square-window max pool over an N,C,H,W shape and the
// stick shape its input is stored in.
func newMaxPool(shape core.Shape, kernel, stride, pad, nblocks uint32, strategy reduce.Strategy) (pool.MaxPool, core.Shape) {
	n, c, h, w := shape[0], shape[1], shape[2], shape[3]
	m := pool.New(uint32(h), uint32(w), kernel, kernel)
	m.StrideH, m.StrideW = stride, stride
	m.PadH, m.PadW = pad, pad
	m.NBlocks = nblocks
	m.UseMultiCore = strategy != reduce.SingleCore
	return m, core.Shape{1, 1, n * h * w, c}
}

// warmCache prebuilds the program of op on a scratch input.
func warmCache(ctx context.Context, cache *dispatch.Cache, op ops.Operation, newInput func() (*tensor.Tensor, error), workers int) error {
	in, err := newInput()
	if err != nil {
		return err
	}
	defer in.Free()
	return cache.Warm(ctx, []dispatch.Request{{Op: op, Inputs: []*tensor.Tensor{in}}}, workers)
}

// parseShape parses "N,C,H,W".
func parseShape(s string) (core.Shape, error) {
	parts := strings.Split(s, ",")
	shape := make(core.Shape, len(parts))
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, errors.Wrapf(core.ErrShape, "shape %q: %v", s, err)
		}
		shape[i] = v
	}
	if _, _, _, _, err := shape.Dims4(); err != nil {
		return nil, err
	}
	return shape, nil
}

func printAllocator(dev *backend.Device) {
	st := dev.Allocator().Stats()
	fmt.Printf("dram: %d allocs (%d reused), %d live, %d pooled\n", st.Hits+st.Misses, st.Hits, st.Live, st.Pooled)
}

func fatal(err error) {
	klog.Errorf("%+v", err)
	klog.Flush()
	fmt.Fprintf(os.Stderr, "gometal: %v\n", err)
	os.Exit(1)
}
