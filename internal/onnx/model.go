package onnx

import (
	"errors"
	"fmt"
	"sort"

	"github.com/born-ml/born/tensor"

	"github.com/born-ml/safechat/internal/onnx/operators"
)

// ErrMissingInput is returned when Run is called without a declared graph input.
var ErrMissingInput = errors.New("onnx: missing input")

// Model is a decoded graph prepared for execution on a born backend.
type Model struct {
	proto       *ModelProto
	registry    *operators.Registry
	backend     tensor.Backend
	tensors     map[string]*tensor.RawTensor
	inputNames  []string
	outputNames []string
	sortedNodes []*operators.Node
}

// InputNames returns the names of model inputs.
func (m *Model) InputNames() []string { return m.inputNames }

// OutputNames returns the names of model outputs.
func (m *Model) OutputNames() []string { return m.outputNames }

// Proto returns the decoded model.
func (m *Model) Proto() *ModelProto { return m.proto }

// Run executes the graph with named inputs and returns the named outputs.
func (m *Model) Run(inputs map[string]*tensor.RawTensor) (map[string]*tensor.RawTensor, error) {
	values := make(map[string]*tensor.RawTensor, len(m.tensors)+len(inputs))
	for name, t := range m.tensors {
		values[name] = t
	}
	for _, name := range m.inputNames {
		t, ok := inputs[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingInput, name)
		}
		values[name] = t
	}

	ctx := &operators.Context{Backend: m.backend}
	for _, node := range m.sortedNodes {
		args := make([]*tensor.RawTensor, len(node.Inputs))
		for i, name := range node.Inputs {
			if name == "" {
				continue
			}
			t, ok := values[name]
			if !ok {
				return nil, fmt.Errorf("onnx: node %s: missing value %s", node.Name, name)
			}
			args[i] = t
		}
		outs, err := m.registry.Execute(ctx, node, args)
		if err != nil {
			return nil, fmt.Errorf("onnx: node %s: %w", node.Name, err)
		}
		for i, name := range node.Outputs {
			if i < len(outs) {
				values[name] = outs[i]
			}
		}
	}

	result := make(map[string]*tensor.RawTensor, len(m.outputNames))
	for _, name := range m.outputNames {
		t, ok := values[name]
		if !ok {
			return nil, fmt.Errorf("onnx: output %s was not produced", name)
		}
		result[name] = t
	}
	return result, nil
}

// compile loads initializers, resolves graph inputs and orders the nodes.
func (m *Model) compile() error {
	graph := m.proto.Graph
	m.tensors = make(map[string]*tensor.RawTensor, len(graph.Initializers))
	for i := range graph.Initializers {
		init := &graph.Initializers[i]
		t, err := tensorFromProto(init)
		if err != nil {
			return fmt.Errorf("onnx: initializer %s: %w", init.Name, err)
		}
		m.tensors[init.Name] = t
	}

	for i := range graph.Inputs {
		if _, isInit := m.tensors[graph.Inputs[i].Name]; !isInit {
			m.inputNames = append(m.inputNames, graph.Inputs[i].Name)
		}
	}
	for i := range graph.Outputs {
		m.outputNames = append(m.outputNames, graph.Outputs[i].Name)
	}

	sorted := topologicalSort(graph.Nodes)
	m.sortedNodes = make([]*operators.Node, len(sorted))
	for i := range sorted {
		m.sortedNodes[i] = operatorNode(&sorted[i])
	}
	return nil
}

func tensorFromProto(p *TensorProto) (*tensor.RawTensor, error) {
	shape := make(tensor.Shape, len(p.Dims))
	for i, d := range p.Dims {
		shape[i] = int(d)
	}
	dtype, err := operators.DataType(int64(p.DataType))
	if err != nil {
		return nil, err
	}
	t, err := tensor.NewRaw(shape, dtype, tensor.CPU)
	if err != nil {
		return nil, err
	}
	if len(p.RawData) != len(t.Data()) {
		return nil, fmt.Errorf("raw data is %d bytes, shape %v needs %d", len(p.RawData), shape, len(t.Data()))
	}
	copy(t.Data(), p.RawData)
	return t, nil
}

func operatorNode(p *NodeProto) *operators.Node {
	attrs := make([]operators.Attribute, len(p.Attributes))
	for i := range p.Attributes {
		a := &p.Attributes[i]
		attrs[i] = operators.Attribute{Name: a.Name, F: a.F, I: a.I, Floats: a.Floats, Ints: a.Ints}
	}
	return &operators.Node{
		Name:       p.Name,
		OpType:     p.OpType,
		Inputs:     p.Inputs,
		Outputs:    p.Outputs,
		Attributes: attrs,
	}
}

// topologicalSort orders nodes so producers run before consumers.
func topologicalSort(nodes []NodeProto) []NodeProto {
	producer := make(map[string]int)
	for i := range nodes {
		for _, out := range nodes[i].Outputs {
			producer[out] = i
		}
	}

	visited := make([]bool, len(nodes))
	result := make([]NodeProto, 0, len(nodes))
	var visit func(i int)
	visit = func(i int) {
		if visited[i] {
			return
		}
		visited[i] = true
		for _, in := range nodes[i].Inputs {
			if dep, ok := producer[in]; ok {
				visit(dep)
			}
		}
		result = append(result, nodes[i])
	}
	for i := range nodes {
		visit(i)
	}
	return result
}

// OpCounts returns how many nodes of each operator type the graph holds.
func OpCounts(g *GraphProto) map[string]int {
	counts := make(map[string]int)
	for i := range g.Nodes {
		counts[g.Nodes[i].OpType]++
	}
	return counts
}

// OpTypes returns the distinct operator types of g in sorted order.
func OpTypes(g *GraphProto) []string {
	counts := OpCounts(g)
	ops := make([]string, 0, len(counts))
	for op := range counts {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}
