package onnx

// ONNX protobuf messages (hand-written subset used for export).

// ModelProto is the top-level ONNX model.
type ModelProto struct {
	IRVersion       int64
	OpsetImport     []OperatorSetID
	ProducerName    string
	ProducerVersion string
	Domain          string
	ModelVersion    int64
	DocString       string
	Graph           *GraphProto
	MetadataProps   []StringStringEntry
}

// GraphProto is a computation graph.
type GraphProto struct {
	Name         string
	Nodes        []NodeProto
	Initializers []TensorProto
	Inputs       []ValueInfoProto
	Outputs      []ValueInfoProto
	DocString    string
}

// NodeProto is a single operation.
type NodeProto struct {
	Name       string
	OpType     string
	Inputs     []string
	Outputs    []string
	Attributes []AttributeProto
	Domain     string
}

// TensorProto is a constant tensor (initializer or attribute value).
type TensorProto struct {
	Name     string
	DataType int32
	Dims     []int64
	RawData  []byte // little-endian
}

// ValueInfoProto names and types a graph input or output.
type ValueInfoProto struct {
	Name string
	Type *TypeProto
}

// TypeProto describes a tensor type.
type TypeProto struct {
	TensorType *TensorTypeProto
}

// TensorTypeProto holds element type and shape.
type TensorTypeProto struct {
	ElemType int32
	Shape    *TensorShapeProto
}

// TensorShapeProto lists dimensions.
type TensorShapeProto struct {
	Dims []DimensionProto
}

// DimensionProto is a static value or a symbolic name.
type DimensionProto struct {
	DimValue int64
	DimParam string
}

// AttributeProto is a node attribute.
type AttributeProto struct {
	Name   string
	Type   int32
	F      float32
	I      int64
	S      []byte
	T      *TensorProto
	Floats []float32
	Ints   []int64
}

// OperatorSetID identifies an opset.
type OperatorSetID struct {
	Domain  string
	Version int64
}

// StringStringEntry is a metadata pair.
type StringStringEntry struct {
	Key   string
	Value string
}

// TensorProto.DataType values.
const (
	TensorProtoUndefined = 0
	TensorProtoFloat     = 1
	TensorProtoUint8     = 2
	TensorProtoInt8      = 3
	TensorProtoInt32     = 6
	TensorProtoInt64     = 7
	TensorProtoBool      = 9
	TensorProtoDouble    = 11
)

// AttributeProto.Type values.
const (
	AttributeProtoFloat  = 1
	AttributeProtoInt    = 2
	AttributeProtoString = 3
	AttributeProtoTensor = 4
	AttributeProtoFloats = 6
	AttributeProtoInts   = 7
)
