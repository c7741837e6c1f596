package onnx

import (
	"errors"
	"fmt"
	"math"
	"os"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed is returned for input that is not a valid ONNX protobuf.
var ErrMalformed = errors.New("onnx: malformed model")

// ReadFile decodes an ONNX model from path.
func ReadFile(path string) (*ModelProto, error) {
	//nolint:gosec // Model path is user-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("onnx: read %s: %w", path, err)
	}
	return Unmarshal(data)
}

// Unmarshal decodes a model from the protobuf wire format. Fields outside
// the subset in proto.go are skipped.
func Unmarshal(data []byte) (*ModelProto, error) {
	m := &ModelProto{}
	if err := decodeModel(data, m); err != nil {
		return nil, err
	}
	if m.Graph == nil {
		return nil, ErrNilGraph
	}
	return m, nil
}

// fieldFunc handles one field. v holds the varint/fixed value, b the bytes
// payload, depending on the wire type.
type fieldFunc func(num protowire.Number, typ protowire.Type, v uint64, b []byte) error

func walk(data []byte, fn fieldFunc) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		data = data[n:]

		var (
			v uint64
			b []byte
		)
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(data)
		case protowire.Fixed32Type:
			var f uint32
			f, n = protowire.ConsumeFixed32(data)
			v = uint64(f)
		case protowire.Fixed64Type:
			v, n = protowire.ConsumeFixed64(data)
		case protowire.BytesType:
			b, n = protowire.ConsumeBytes(data)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
		}
		data = data[n:]
		if err := fn(num, typ, v, b); err != nil {
			return err
		}
	}
	return nil
}

func decodeModel(data []byte, m *ModelProto) error {
	return walk(data, func(num protowire.Number, _ protowire.Type, v uint64, b []byte) error {
		switch num {
		case 1:
			m.IRVersion = int64(v)
		case 2:
			m.ProducerName = string(b)
		case 3:
			m.ProducerVersion = string(b)
		case 4:
			m.Domain = string(b)
		case 5:
			m.ModelVersion = int64(v)
		case 6:
			m.DocString = string(b)
		case 7:
			m.Graph = &GraphProto{}
			return decodeGraph(b, m.Graph)
		case 8:
			var o OperatorSetID
			if err := decodeOpset(b, &o); err != nil {
				return err
			}
			m.OpsetImport = append(m.OpsetImport, o)
		case 14:
			var e StringStringEntry
			if err := decodeEntry(b, &e); err != nil {
				return err
			}
			m.MetadataProps = append(m.MetadataProps, e)
		}
		return nil
	})
}

func decodeGraph(data []byte, g *GraphProto) error {
	return walk(data, func(num protowire.Number, _ protowire.Type, _ uint64, b []byte) error {
		switch num {
		case 1:
			var n NodeProto
			if err := decodeNode(b, &n); err != nil {
				return err
			}
			g.Nodes = append(g.Nodes, n)
		case 2:
			g.Name = string(b)
		case 5:
			var t TensorProto
			if err := decodeTensor(b, &t); err != nil {
				return err
			}
			g.Initializers = append(g.Initializers, t)
		case 10:
			g.DocString = string(b)
		case 11, 12:
			var vi ValueInfoProto
			if err := decodeValueInfo(b, &vi); err != nil {
				return err
			}
			if num == 11 {
				g.Inputs = append(g.Inputs, vi)
			} else {
				g.Outputs = append(g.Outputs, vi)
			}
		}
		return nil
	})
}

func decodeNode(data []byte, n *NodeProto) error {
	return walk(data, func(num protowire.Number, _ protowire.Type, _ uint64, b []byte) error {
		switch num {
		case 1:
			n.Inputs = append(n.Inputs, string(b))
		case 2:
			n.Outputs = append(n.Outputs, string(b))
		case 3:
			n.Name = string(b)
		case 4:
			n.OpType = string(b)
		case 5:
			var a AttributeProto
			if err := decodeAttribute(b, &a); err != nil {
				return err
			}
			n.Attributes = append(n.Attributes, a)
		case 7:
			n.Domain = string(b)
		}
		return nil
	})
}

func decodeAttribute(data []byte, a *AttributeProto) error {
	return walk(data, func(num protowire.Number, typ protowire.Type, v uint64, b []byte) error {
		switch num {
		case 1:
			a.Name = string(b)
		case 2:
			a.F = math.Float32frombits(uint32(v))
		case 3:
			a.I = int64(v)
		case 4:
			a.S = append([]byte(nil), b...)
		case 5:
			a.T = &TensorProto{}
			return decodeTensor(b, a.T)
		case 7:
			if typ != protowire.BytesType {
				a.Floats = append(a.Floats, math.Float32frombits(uint32(v)))
				return nil
			}
			for len(b) > 0 {
				f, n := protowire.ConsumeFixed32(b)
				if n < 0 {
					return fmt.Errorf("%w: floats: %v", ErrMalformed, protowire.ParseError(n))
				}
				a.Floats = append(a.Floats, math.Float32frombits(f))
				b = b[n:]
			}
		case 8:
			ints, err := int64s(typ, v, b)
			if err != nil {
				return err
			}
			a.Ints = append(a.Ints, ints...)
		case 20:
			a.Type = int32(v)
		}
		return nil
	})
}

func decodeTensor(data []byte, t *TensorProto) error {
	return walk(data, func(num protowire.Number, typ protowire.Type, v uint64, b []byte) error {
		switch num {
		case 1:
			dims, err := int64s(typ, v, b)
			if err != nil {
				return err
			}
			t.Dims = append(t.Dims, dims...)
		case 2:
			t.DataType = int32(v)
		case 8:
			t.Name = string(b)
		case 9:
			t.RawData = append([]byte(nil), b...)
		}
		return nil
	})
}

func decodeValueInfo(data []byte, vi *ValueInfoProto) error {
	return walk(data, func(num protowire.Number, _ protowire.Type, _ uint64, b []byte) error {
		switch num {
		case 1:
			vi.Name = string(b)
		case 2:
			vi.Type = &TypeProto{}
			return walk(b, func(num protowire.Number, _ protowire.Type, _ uint64, b []byte) error {
				if num == 1 {
					vi.Type.TensorType = &TensorTypeProto{}
					return decodeTensorType(b, vi.Type.TensorType)
				}
				return nil
			})
		}
		return nil
	})
}

func decodeTensorType(data []byte, tt *TensorTypeProto) error {
	return walk(data, func(num protowire.Number, _ protowire.Type, v uint64, b []byte) error {
		switch num {
		case 1:
			tt.ElemType = int32(v)
		case 2:
			tt.Shape = &TensorShapeProto{}
			return walk(b, func(num protowire.Number, _ protowire.Type, _ uint64, b []byte) error {
				if num != 1 {
					return nil
				}
				var d DimensionProto
				err := walk(b, func(num protowire.Number, _ protowire.Type, v uint64, b []byte) error {
					switch num {
					case 1:
						d.DimValue = int64(v)
					case 2:
						d.DimParam = string(b)
					}
					return nil
				})
				tt.Shape.Dims = append(tt.Shape.Dims, d)
				return err
			})
		}
		return nil
	})
}

func decodeOpset(data []byte, o *OperatorSetID) error {
	return walk(data, func(num protowire.Number, _ protowire.Type, v uint64, b []byte) error {
		switch num {
		case 1:
			o.Domain = string(b)
		case 2:
			o.Version = int64(v)
		}
		return nil
	})
}

func decodeEntry(data []byte, e *StringStringEntry) error {
	return walk(data, func(num protowire.Number, _ protowire.Type, _ uint64, b []byte) error {
		switch num {
		case 1:
			e.Key = string(b)
		case 2:
			e.Value = string(b)
		}
		return nil
	})
}

// int64s reads a repeated int64 field in either packed or unpacked form.
func int64s(typ protowire.Type, v uint64, b []byte) ([]int64, error) {
	if typ == protowire.VarintType {
		return []int64{int64(v)}, nil
	}
	var out []int64
	for len(b) > 0 {
		x, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: packed ints: %v", ErrMalformed, protowire.ParseError(n))
		}
		out = append(out, int64(x))
		b = b[n:]
	}
	return out, nil
}
