package reduce

import (
	"github.com/pkg/errors"

	"github.com/djeday123/gometal/core"
	"github.com/djeday123/gometal/program"
)

const (
	readerReduce           program.KernelSource = "dataflow/reader_unary_8bank_reduce"
	readerTransposeWH      program.KernelSource = "dataflow/reader_unary_transpose_wh_8bank"
	readerReduceStartID    program.KernelSource = "dataflow/reader_unary_reduce_interleaved_start_id"
	readerTransposeStartID program.KernelSource = "dataflow/reader_unary_transpose_wh_interleaved_start_id"
	writerUnary            program.KernelSource = "dataflow/writer_unary_8bank"
	writerUnaryStartID     program.KernelSource = "dataflow/writer_unary_interleaved_start_id"

	computeReduceH  program.KernelSource = "compute/reduce_h"
	computeReduceW  program.KernelSource = "compute/reduce_w"
	computeReduceHW program.KernelSource = "compute/reduce_hw"
)

// kernelSet is the kernels and compute defines for one (math, dim) pair.
type kernelSet struct {
	reader        program.KernelSource
	readerStartID program.KernelSource
	compute       program.KernelSource
	defines       map[string]string
}

func defines(poolType, reduceDim string) map[string]string {
	return map[string]string{
		"REDUCE_OP":  "PoolType::" + poolType,
		"REDUCE_DIM": "ReduceDim::" + reduceDim,
	}
}

// Reducing along H needs the tiles of each column in a row, so the reader
// transposes; W and HW stream tiles in storage order.
var kernelTable = [numMath][numDim]kernelSet{
	Sum: {
		H:  {readerTransposeWH, readerTransposeStartID, computeReduceH, defines("SUM", "REDUCE_COL")},
		W:  {readerReduce, readerReduceStartID, computeReduceW, defines("SUM", "REDUCE_ROW")},
		HW: {readerReduce, readerReduceStartID, computeReduceHW, defines("SUM", "REDUCE_SCALAR")},
	},
	Max: {
		H:  {readerTransposeWH, readerTransposeStartID, computeReduceH, defines("MAX", "REDUCE_COL")},
		W:  {readerReduce, readerReduceStartID, computeReduceW, defines("MAX", "REDUCE_ROW")},
		HW: {readerReduce, readerReduceStartID, computeReduceHW, defines("MAX", "REDUCE_SCALAR")},
	},
}

// selectKernels returns the kernel set for (m, d) with a private copy of the
// defines.
func selectKernels(m Math, d Dim) (kernelSet, error) {
	if m >= numMath || d >= numDim {
		return kernelSet{}, errors.Wrapf(core.ErrConfiguration, "unsupported reduce %s over %s", m, d)
	}
	ks := kernelTable[m][d]
	defs := make(map[string]string, len(ks.defines))
	for k, v := range ks.defines {
		defs[k] = v
	}
	ks.defines = defs
	return ks, nil
}
