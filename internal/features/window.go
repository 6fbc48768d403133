// Package features builds the fixed-shape input window the classifier
// consumes. A raw, variable-length column table is filled, filtered and
// trimmed to the most recent SEQUENCE_LENGTH rows across a fixed ordered
// set of named columns.
package features

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// ErrInsufficientData signals that fewer than the required number of valid
// rows remain after filtering. Callers treat it as "no prediction this
// cycle", never as a fatal error.
var ErrInsufficientData = errors.New("features: insufficient data")

// Window is an immutable SEQUENCE_LENGTH x FEATURE_COUNT matrix, row-major,
// oldest row first.
type Window struct {
	rows, cols int
	data       []float64
}

func NewWindow(rows, cols int, data []float64) (Window, error) {
	if rows <= 0 || cols <= 0 {
		return Window{}, fmt.Errorf("invalid window shape %dx%d", rows, cols)
	}
	if len(data) != rows*cols {
		return Window{}, fmt.Errorf("window data length %d does not match shape %dx%d", len(data), rows, cols)
	}
	for i, v := range data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Window{}, fmt.Errorf("window value at index %d is not finite", i)
		}
	}
	return Window{rows: rows, cols: cols, data: data}, nil
}

func (w Window) Rows() int { return w.rows }
func (w Window) Cols() int { return w.cols }

func (w Window) At(row, col int) float64 {
	return w.data[row*w.cols+col]
}

// Row returns a copy of one feature vector.
func (w Window) Row(row int) []float64 {
	out := make([]float64, w.cols)
	copy(out, w.data[row*w.cols:(row+1)*w.cols])
	return out
}

// RawBytes serializes the window row-major as little-endian float64. The
// encoding is the hashing input for attestation and must stay stable.
func (w Window) RawBytes() []byte {
	out := make([]byte, 8*len(w.data))
	for i, v := range w.data {
		binary.LittleEndian.PutUint64(out[i*8:], math.Float64bits(v))
	}
	return out
}

// Placeholder returns a synthetic window of the given shape with values in
// [0,1). Used by the manual override path, which bypasses the feature
// provider but still needs a well-formed window to attest.
func Placeholder(rows, cols int) Window {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = rng.Float64()
	}
	return Window{rows: rows, cols: cols, data: data}
}

// Frame is a named-column table of equal-length series. Gaps are
// represented as NaN and resolved by BuildWindow.
type Frame struct {
	length  int
	columns []string
	series  map[string][]float64
}

func NewFrame(length int) *Frame {
	return &Frame{
		length: length,
		series: make(map[string][]float64),
	}
}

func (f *Frame) Len() int { return f.length }

// AddColumn registers a series under name. The series is copied.
func (f *Frame) AddColumn(name string, values []float64) error {
	if len(values) != f.length {
		return fmt.Errorf("column %s has length %d, frame expects %d", name, len(values), f.length)
	}
	if _, dup := f.series[name]; dup {
		return fmt.Errorf("column %s already present", name)
	}
	cp := make([]float64, len(values))
	copy(cp, values)
	f.columns = append(f.columns, name)
	f.series[name] = cp
	return nil
}

// BuildWindow produces a window over the named columns in the given order:
// each column is forward-filled, rows still containing NaN (indicator
// warmup and leading gaps) are dropped, and the most recent seqLen
// surviving rows are taken. Returns ErrInsufficientData when fewer than
// seqLen rows survive.
func (f *Frame) BuildWindow(columns []string, seqLen int) (Window, error) {
	if seqLen <= 0 {
		return Window{}, fmt.Errorf("sequence length must be positive, got %d", seqLen)
	}

	filled := make([][]float64, len(columns))
	for i, name := range columns {
		src, ok := f.series[name]
		if !ok {
			return Window{}, fmt.Errorf("column %s missing from frame", name)
		}
		filled[i] = fillGaps(src)
	}

	// Keep rows where every column holds a finite value.
	valid := make([]int, 0, f.length)
	for row := 0; row < f.length; row++ {
		ok := true
		for _, col := range filled {
			if math.IsNaN(col[row]) || math.IsInf(col[row], 0) {
				ok = false
				break
			}
		}
		if ok {
			valid = append(valid, row)
		}
	}

	if len(valid) < seqLen {
		return Window{}, fmt.Errorf("%w: %d valid rows, need %d", ErrInsufficientData, len(valid), seqLen)
	}

	tail := valid[len(valid)-seqLen:]
	data := make([]float64, 0, seqLen*len(columns))
	for _, row := range tail {
		for _, col := range filled {
			data = append(data, col[row])
		}
	}
	return Window{rows: seqLen, cols: len(columns), data: data}, nil
}

// fillGaps forward-fills NaN gaps. Leading NaNs stay NaN so indicator
// warmup rows get dropped instead of synthesized.
func fillGaps(src []float64) []float64 {
	out := make([]float64, len(src))
	copy(out, src)

	last := math.NaN()
	for i, v := range out {
		if math.IsNaN(v) {
			out[i] = last
		} else {
			last = v
		}
	}
	return out
}
