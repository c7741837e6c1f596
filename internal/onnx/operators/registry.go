package operators

import (
	"fmt"
	"sort"

	"github.com/born-ml/born/tensor"
)

// OpHandler processes an ONNX node and returns output tensors.
type OpHandler func(ctx *Context, node *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error)

// Context provides the backend operators run on.
type Context struct {
	Backend tensor.Backend
}

// Registry maps ONNX operator types to handler functions.
type Registry struct {
	handlers map[string]OpHandler
}

// NewRegistry creates a new operator registry with all supported operators.
func NewRegistry() *Registry {
	r := &Registry{
		handlers: make(map[string]OpHandler),
	}
	r.registerMathOps()
	r.registerActivations()
	r.registerShapeOps()
	r.registerUtilityOps()
	return r
}

// Register adds a custom operator handler.
func (r *Registry) Register(opType string, handler OpHandler) {
	r.handlers[opType] = handler
}

// Get returns the handler for an operator type.
func (r *Registry) Get(opType string) (OpHandler, bool) {
	h, ok := r.handlers[opType]
	return h, ok
}

// Execute runs an operator with the given inputs. Backend panics are
// returned as errors.
func (r *Registry) Execute(ctx *Context, node *Node, inputs []*tensor.RawTensor) (out []*tensor.RawTensor, err error) {
	handler, ok := r.handlers[node.OpType]
	if !ok {
		return nil, fmt.Errorf("unsupported operator: %s", node.OpType)
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s: %v", node.OpType, p)
		}
	}()
	// Inputs may be weights or values read by later nodes; the CPU backend
	// reuses uniquely owned buffers in place.
	for _, in := range inputs {
		if in != nil {
			defer in.ForceNonUnique()()
		}
	}
	return handler(ctx, node, inputs)
}

// SupportedOps returns the supported operator types in sorted order.
func (r *Registry) SupportedOps() []string {
	ops := make([]string, 0, len(r.handlers))
	for op := range r.handlers {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}
