package onnx

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func floatTensor(name string, dims []int64, values ...float32) TensorProto {
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(v))
	}
	return TensorProto{Name: name, DataType: TensorProtoFloat, Dims: dims, RawData: data}
}

// linearSoftmax is softmax(x @ W + b) with W = [[1, 0], [0, 2]], b = [0, 1].
func linearSoftmax() *ModelProto {
	return &ModelProto{
		IRVersion:       7,
		OpsetImport:     []OperatorSetID{{Version: 13}},
		ProducerName:    "test",
		ProducerVersion: "0.0.1",
		MetadataProps:   []StringStringEntry{{Key: "labels", Value: "unsafe,safe"}},
		Graph: &GraphProto{
			Name: "linear",
			Nodes: []NodeProto{
				// Listed out of order on purpose.
				{Name: "sm", OpType: "Softmax", Inputs: []string{"z"}, Outputs: []string{"p"}, Attributes: []AttributeProto{AttrInt("axis", -1)}},
				{Name: "mm", OpType: "MatMul", Inputs: []string{"x", "W"}, Outputs: []string{"y"}},
				{Name: "add", OpType: "Add", Inputs: []string{"y", "b"}, Outputs: []string{"z"}},
			},
			Initializers: []TensorProto{
				floatTensor("W", []int64{2, 2}, 1, 0, 0, 2),
				floatTensor("b", []int64{2}, 0, 1),
			},
			Inputs:  []ValueInfoProto{ValueInfo("x", TensorProtoFloat, []int64{1, 2})},
			Outputs: []ValueInfoProto{ValueInfo("p", TensorProtoFloat, []int64{1, 2})},
		},
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	want := linearSoftmax()
	want.Graph.Nodes[0].Attributes = append(want.Graph.Nodes[0].Attributes,
		AttrInts("perm", 1, 0), AttrFloat("alpha", 0.5))

	data, err := Marshal(want)
	require.NoError(t, err)
	got, err := Unmarshal(data)
	require.NoError(t, err)

	assert.Equal(t, want.IRVersion, got.IRVersion)
	assert.Equal(t, want.OpsetImport, got.OpsetImport)
	assert.Equal(t, want.MetadataProps, got.MetadataProps)
	assert.Equal(t, want.Graph.Initializers, got.Graph.Initializers)
	assert.Equal(t, want.Graph.Inputs, got.Graph.Inputs)
	require.Len(t, got.Graph.Nodes, 3)
	attrs := got.Graph.Nodes[0].Attributes
	require.Len(t, attrs, 3)
	assert.Equal(t, AttrInt("axis", -1), attrs[0])
	assert.Equal(t, []int64{1, 0}, attrs[1].Ints)
	assert.InDelta(t, 0.5, attrs[2].F, 0)
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	_, err := Unmarshal([]byte{0x0a, 0xff})
	require.ErrorIs(t, err, ErrMalformed)

	_, err = Marshal(&ModelProto{})
	require.ErrorIs(t, err, ErrNilGraph)
}

func TestRunLinearSoftmax(t *testing.T) {
	data, err := Marshal(linearSoftmax())
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "model.onnx")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	model, err := Load(path, cpu.New())
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, model.InputNames())
	assert.Equal(t, []string{"p"}, model.OutputNames())

	x, err := tensor.NewRaw(tensor.Shape{1, 2}, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	copy(x.AsFloat32(), []float32{1, 1})

	for range 2 {
		out, err := model.Run(map[string]*tensor.RawTensor{"x": x})
		require.NoError(t, err)
		// logits [1, 3]
		e := math.Exp(2)
		assert.InDeltaSlice(t, []float32{float32(1 / (1 + e)), float32(e / (1 + e))}, out["p"].AsFloat32(), 1e-6)
	}

	_, err = model.Run(nil)
	require.ErrorIs(t, err, ErrMissingInput)
}

func TestLoadRejectsUnsupportedOps(t *testing.T) {
	m := linearSoftmax()
	m.Graph.Nodes = append(m.Graph.Nodes, NodeProto{OpType: "Conv", Inputs: []string{"x"}, Outputs: []string{"c"}})
	_, err := LoadFromProto(m, cpu.New())
	require.ErrorIs(t, err, ErrUnsupportedGraph)
}

func TestInfo(t *testing.T) {
	info := Info(linearSoftmax())
	assert.Equal(t, int64(13), info.OpsetVersion)
	assert.Equal(t, 3, info.NodeCount)
	assert.Equal(t, 2, info.WeightCount)
	assert.Equal(t, []IOInfo{{Name: "x", ElemType: TensorProtoFloat, Dims: []int64{1, 2}}}, info.Inputs)
	assert.Equal(t, map[string]int{"Softmax": 1, "MatMul": 1, "Add": 1}, info.Ops)
	assert.Equal(t, "unsafe,safe", info.Metadata["labels"])
}
