// Package trace records the tensor operations of an eager forward pass
// into a static ONNX graph.
//
// Backend decorates another tensor.Backend the same way the autodiff backend
// does: every operation runs on the inner backend and is also appended to
// the graph. Tensors that are first seen as operands (weights, constants)
// become initializers holding their data at that moment. Operations outside
// Run (model construction, weight loading) execute without being recorded.
package trace

import (
	"errors"
	"fmt"

	"github.com/born-ml/born/tensor"

	"github.com/born-ml/safechat/internal/onnx"
)

// ErrUnsupportedOp is returned when the traced computation uses an operation
// with no ONNX lowering.
var ErrUnsupportedOp = errors.New("trace: unsupported operation")

// Backend is a recording tensor.Backend decorator.
type Backend[B tensor.Backend] struct {
	inner B

	names     map[*tensor.RawTensor]string
	hints     map[*tensor.RawTensor]string
	nodes     []onnx.NodeProto
	inits     []onnx.TensorProto
	inputs    []onnx.ValueInfoProto
	outputs   []onnx.ValueInfoProto
	seq       int
	err       error
	recording bool
}

// New wraps inner with a tracing backend.
func New[B tensor.Backend](inner B) *Backend[B] {
	return &Backend[B]{
		inner: inner,
		names: make(map[*tensor.RawTensor]string),
		hints: make(map[*tensor.RawTensor]string),
	}
}

// Inner returns the wrapped backend.
func (b *Backend[B]) Inner() B { return b.inner }

// Name returns the backend name.
func (b *Backend[B]) Name() string { return "Trace(" + b.inner.Name() + ")" }

// Device returns the inner device.
func (b *Backend[B]) Device() tensor.Device { return b.inner.Device() }

// Err returns the first recording error.
func (b *Backend[B]) Err() error { return b.err }

// NameTensor sets the initializer name used if raw is captured as a constant.
func (b *Backend[B]) NameTensor(raw *tensor.RawTensor, name string) {
	b.hints[raw] = name
}

// Input declares raw as a named graph input.
func (b *Backend[B]) Input(name string, raw *tensor.RawTensor) {
	elem, err := onnx.ElemType(raw.DType())
	if err != nil {
		b.fail(err)
		return
	}
	b.names[raw] = name
	b.inputs = append(b.inputs, onnx.ValueInfo(name, elem, onnx.Dims(raw.Shape())))
}

// Output declares raw as a named graph output.
func (b *Backend[B]) Output(name string, raw *tensor.RawTensor) {
	elem, err := onnx.ElemType(raw.DType())
	if err != nil {
		b.fail(err)
		return
	}
	src := b.ref(raw)
	b.nodes = append(b.nodes, onnx.NodeProto{
		Name:    "output_" + name,
		OpType:  "Identity",
		Inputs:  []string{src},
		Outputs: []string{name},
	})
	b.outputs = append(b.outputs, onnx.ValueInfo(name, elem, onnx.Dims(raw.Shape())))
}

// Graph returns the recorded graph.
func (b *Backend[B]) Graph(name string) (*onnx.GraphProto, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.outputs) == 0 {
		return nil, errors.New("trace: graph has no outputs")
	}
	return &onnx.GraphProto{
		Name:         name,
		Nodes:        b.nodes,
		Initializers: b.inits,
		Inputs:       b.inputs,
		Outputs:      b.outputs,
	}, nil
}

// Run executes fn while recording. Engine panics raised during the forward
// pass are returned as errors wrapping ErrUnsupportedOp.
func (b *Backend[B]) Run(fn func() error) (err error) {
	b.recording = true
	defer func() {
		b.recording = false
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrUnsupportedOp, r)
		}
	}()
	if err := fn(); err != nil {
		return err
	}
	return b.err
}

// NodeCount returns the number of recorded nodes.
func (b *Backend[B]) NodeCount() int { return len(b.nodes) }

// Recording reports whether operations are currently recorded.
func (b *Backend[B]) Recording() bool { return b.recording }

func (b *Backend[B]) fail(err error) {
	if b.recording && b.err == nil {
		b.err = err
	}
}

func (b *Backend[B]) unsupported(op string) {
	b.fail(fmt.Errorf("%w: %s", ErrUnsupportedOp, op))
}

func (b *Backend[B]) fresh(prefix string) string {
	b.seq++
	return fmt.Sprintf("%s_%d", prefix, b.seq)
}

// ref returns the graph name of raw, capturing it as an initializer when it
// was not produced by a recorded op.
func (b *Backend[B]) ref(raw *tensor.RawTensor) string {
	if !b.recording {
		return ""
	}
	if name, ok := b.names[raw]; ok {
		return name
	}
	name, ok := b.hints[raw]
	if !ok {
		name = b.fresh("const")
	}
	init, err := onnx.TensorFromRaw(name, raw)
	if err != nil {
		b.fail(err)
	}
	b.inits = append(b.inits, init)
	b.names[raw] = name
	return name
}

// constant adds an initializer that has no born tensor behind it.
func (b *Backend[B]) constant(t onnx.TensorProto) string {
	if !b.recording {
		return ""
	}
	t.Name = b.fresh("const")
	b.inits = append(b.inits, t)
	return t.Name
}

func (b *Backend[B]) int64s(values ...int64) string {
	return b.constant(onnx.Int64Tensor("", values))
}

// emit records a node producing out and returns out.
func (b *Backend[B]) emit(op string, out *tensor.RawTensor, inputs []string, attrs ...onnx.AttributeProto) *tensor.RawTensor {
	if !b.recording {
		return out
	}
	name := b.fresh(op)
	b.nodes = append(b.nodes, onnx.NodeProto{
		Name:       name,
		OpType:     op,
		Inputs:     inputs,
		Outputs:    []string{name + "_out"},
		Attributes: attrs,
	})
	b.names[out] = name + "_out"
	return out
}

// emitTemp records a node whose output has no born tensor and returns its name.
func (b *Backend[B]) emitTemp(op string, inputs []string, attrs ...onnx.AttributeProto) string {
	if !b.recording {
		return ""
	}
	name := b.fresh(op)
	b.nodes = append(b.nodes, onnx.NodeProto{
		Name:       name,
		OpType:     op,
		Inputs:     inputs,
		Outputs:    []string{name + "_out"},
		Attributes: attrs,
	})
	return name + "_out"
}

// refs resolves operand names. It must run before the inner op so constants
// are snapshotted before any in-place update.
func (b *Backend[B]) refs(raws ...*tensor.RawTensor) []string {
	names := make([]string, len(raws))
	for i, r := range raws {
		names[i] = b.ref(r)
	}
	return names
}

// pin prevents the inner backend from reusing operand buffers in place.
func pin(raws ...*tensor.RawTensor) func() {
	releases := make([]func(), len(raws))
	for i, r := range raws {
		releases[i] = r.ForceNonUnique()
	}
	return func() {
		for _, release := range releases {
			release()
		}
	}
}
