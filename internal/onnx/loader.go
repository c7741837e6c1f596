package onnx

import (
	"errors"
	"fmt"
	"strings"

	"github.com/born-ml/born/tensor"

	"github.com/born-ml/safechat/internal/onnx/operators"
)

// ErrUnsupportedGraph is returned when a graph uses operators the runner
// does not implement.
var ErrUnsupportedGraph = errors.New("onnx: unsupported operators")

// Load decodes an ONNX file and prepares it for execution on backend.
func Load(path string, backend tensor.Backend) (*Model, error) {
	proto, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return LoadFromProto(proto, backend)
}

// LoadFromProto prepares a decoded model for execution. Every operator in
// the graph must be supported.
func LoadFromProto(proto *ModelProto, backend tensor.Backend) (*Model, error) {
	if proto.Graph == nil {
		return nil, ErrNilGraph
	}
	registry := operators.NewRegistry()
	if err := validateOperators(proto.Graph, registry); err != nil {
		return nil, err
	}
	model := &Model{
		proto:    proto,
		registry: registry,
		backend:  backend,
	}
	if err := model.compile(); err != nil {
		return nil, err
	}
	return model, nil
}

func validateOperators(graph *GraphProto, registry *operators.Registry) error {
	var unsupported []string
	for _, op := range OpTypes(graph) {
		if _, ok := registry.Get(op); !ok {
			unsupported = append(unsupported, op)
		}
	}
	if len(unsupported) > 0 {
		return fmt.Errorf("%w: %s", ErrUnsupportedGraph, strings.Join(unsupported, ", "))
	}
	return nil
}

// ModelInfo summarizes a model without preparing it.
type ModelInfo struct {
	IRVersion       int64             `json:"ir_version"`
	OpsetVersion    int64             `json:"opset_version"`
	ProducerName    string            `json:"producer_name"`
	ProducerVersion string            `json:"producer_version"`
	Inputs          []IOInfo          `json:"inputs"`
	Outputs         []IOInfo          `json:"outputs"`
	NodeCount       int               `json:"node_count"`
	WeightCount     int               `json:"weight_count"`
	Ops             map[string]int    `json:"ops"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// IOInfo describes a graph input or output.
type IOInfo struct {
	Name     string  `json:"name"`
	ElemType int32   `json:"elem_type"`
	Dims     []int64 `json:"dims"`
}

// Info extracts a summary from a decoded model.
func Info(proto *ModelProto) *ModelInfo {
	info := &ModelInfo{
		IRVersion:       proto.IRVersion,
		ProducerName:    proto.ProducerName,
		ProducerVersion: proto.ProducerVersion,
	}
	for _, opset := range proto.OpsetImport {
		if opset.Domain == "" || opset.Domain == "ai.onnx" {
			info.OpsetVersion = opset.Version
			break
		}
	}
	if len(proto.MetadataProps) > 0 {
		info.Metadata = make(map[string]string, len(proto.MetadataProps))
		for _, p := range proto.MetadataProps {
			info.Metadata[p.Key] = p.Value
		}
	}
	g := proto.Graph
	if g == nil {
		return info
	}
	inits := make(map[string]bool, len(g.Initializers))
	for i := range g.Initializers {
		inits[g.Initializers[i].Name] = true
	}
	for i := range g.Inputs {
		if !inits[g.Inputs[i].Name] {
			info.Inputs = append(info.Inputs, ioInfo(&g.Inputs[i]))
		}
	}
	for i := range g.Outputs {
		info.Outputs = append(info.Outputs, ioInfo(&g.Outputs[i]))
	}
	info.NodeCount = len(g.Nodes)
	info.WeightCount = len(g.Initializers)
	info.Ops = OpCounts(g)
	return info
}

func ioInfo(v *ValueInfoProto) IOInfo {
	io := IOInfo{Name: v.Name}
	if v.Type == nil || v.Type.TensorType == nil {
		return io
	}
	io.ElemType = v.Type.TensorType.ElemType
	if s := v.Type.TensorType.Shape; s != nil {
		for _, d := range s.Dims {
			io.Dims = append(io.Dims, d.DimValue)
		}
	}
	return io
}
