package checkpoint

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"os"
	"sort"

	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// Weights files use the safetensors layout:
//
//	[8 bytes: header size, uint64 LE]
//	[header: JSON object of name -> {dtype, shape, data_offsets}]
//	[raw little-endian tensor data]

const (
	metadataKey   = "__metadata__"
	maxHeaderSize = 100 << 20
)

var (
	ErrTensorNotFound = errors.New("tensor not found in checkpoint")
	ErrShapeMismatch  = errors.New("tensor shape mismatch")
)

type DType string

const (
	F16 DType = "F16"
	F32 DType = "F32"
	F64 DType = "F64"
)

func (d DType) Size() int {
	switch d {
	case F16:
		return 2
	case F32:
		return 4
	case F64:
		return 8
	}
	return 0
}

type TensorInfo struct {
	DType       DType    `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// Tensor is a dense tensor in row-major order. DType selects the on-disk
// encoding; the zero value means F32.
type Tensor struct {
	DType DType
	Shape []int
	Data  []float64
}

// NumElements is the product of the shape's dimensions.
func NumElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Reader gives random access to the tensors of one weights file.
type Reader struct {
	path       string
	file       *os.File
	tensors    map[string]TensorInfo
	metadata   map[string]string
	dataOffset int64
}

func Open(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open checkpoint")
	}

	r, err := newReader(path, file)
	if err != nil {
		file.Close()
		return nil, errors.Wrapf(err, "read checkpoint %s", path)
	}
	return r, nil
}

func newReader(path string, file *os.File) (*Reader, error) {
	var headerSize uint64
	if err := binary.Read(file, binary.LittleEndian, &headerSize); err != nil {
		return nil, errors.Wrap(err, "read header size")
	}
	if headerSize > maxHeaderSize {
		return nil, errors.Errorf("invalid header size %d", headerSize)
	}

	stat, err := file.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "stat checkpoint")
	}
	if int64(8+headerSize) > stat.Size() {
		return nil, errors.Errorf("header size %d exceeds file size %d", headerSize, stat.Size())
	}

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(file, header); err != nil {
		return nil, errors.Wrap(err, "read header")
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(header, &raw); err != nil {
		return nil, errors.Wrap(err, "parse header")
	}

	r := &Reader{
		path:       path,
		file:       file,
		tensors:    make(map[string]TensorInfo, len(raw)),
		dataOffset: int64(8 + headerSize),
	}
	for name, value := range raw {
		if name == metadataKey {
			if err := json.Unmarshal(value, &r.metadata); err != nil {
				return nil, errors.Wrap(err, "parse metadata")
			}
			continue
		}
		var info TensorInfo
		if err := json.Unmarshal(value, &info); err != nil {
			return nil, errors.Wrapf(err, "parse tensor %s", name)
		}
		if info.DType.Size() == 0 {
			return nil, errors.Errorf("tensor %s: unsupported dtype %s", name, info.DType)
		}
		for _, d := range info.Shape {
			if d < 0 {
				return nil, errors.Errorf("tensor %s: negative dimension in shape %v", name, info.Shape)
			}
		}
		begin, end := info.DataOffsets[0], info.DataOffsets[1]
		if begin < 0 || end < begin || r.dataOffset+end > stat.Size() {
			return nil, errors.Errorf("tensor %s: invalid data offsets %v", name, info.DataOffsets)
		}
		if end-begin != int64(NumElements(info.Shape))*int64(info.DType.Size()) {
			return nil, errors.Errorf("tensor %s: data offsets %v do not match shape %v", name, info.DataOffsets, info.Shape)
		}
		r.tensors[name] = info
	}
	return r, nil
}

func (r *Reader) Path() string {
	return r.path
}

// Names returns the tensor names in sorted order.
func (r *Reader) Names() []string {
	names := make([]string, 0, len(r.tensors))
	for name := range r.tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Reader) Info(name string) (TensorInfo, error) {
	info, ok := r.tensors[name]
	if !ok {
		return TensorInfo{}, errors.Wrap(ErrTensorNotFound, name)
	}
	return info, nil
}

func (r *Reader) Metadata() map[string]string {
	return r.metadata
}

// Tensor reads and decodes the named tensor.
func (r *Reader) Tensor(name string) (*Tensor, error) {
	info, err := r.Info(name)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, info.DataOffsets[1]-info.DataOffsets[0])
	if _, err := r.file.ReadAt(buf, r.dataOffset+info.DataOffsets[0]); err != nil {
		return nil, errors.Wrapf(err, "read tensor %s", name)
	}

	return &Tensor{
		DType: info.DType,
		Shape: append([]int(nil), info.Shape...),
		Data:  decode(info.DType, buf),
	}, nil
}

func (r *Reader) Close() error {
	return r.file.Close()
}

func decode(dtype DType, buf []byte) []float64 {
	switch dtype {
	case F16:
		out := make([]float32, len(buf)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(buf[2*i:])).Float32()
		}
		return widen(out)
	case F32:
		out := make([]float32, len(buf)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
		}
		return widen(out)
	default:
		out := make([]float64, len(buf)/8)
		for i := range out {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i:]))
		}
		return out
	}
}

func widen[F constraints.Float](in []F) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = float64(v)
	}
	return out
}

func encode(dtype DType, data []float64) []byte {
	buf := make([]byte, len(data)*dtype.Size())
	for i, v := range data {
		switch dtype {
		case F16:
			binary.LittleEndian.PutUint16(buf[2*i:], float16.Fromfloat32(float32(v)).Bits())
		case F32:
			binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(float32(v)))
		case F64:
			binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
		}
	}
	return buf
}

// Write stores tensors in a weights file at path, in name order.
func Write(path string, tensors map[string]*Tensor, metadata map[string]string) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]interface{}, len(tensors)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}

	var offset int64
	for _, name := range names {
		t := tensors[name]
		dtype := t.DType
		if dtype == "" {
			dtype = F32
		}
		if dtype.Size() == 0 {
			return errors.Errorf("tensor %s: unsupported dtype %s", name, dtype)
		}
		if NumElements(t.Shape) != len(t.Data) {
			return errors.Wrapf(ErrShapeMismatch, "tensor %s: shape %v holds %d values, got %d",
				name, t.Shape, NumElements(t.Shape), len(t.Data))
		}
		size := int64(len(t.Data) * dtype.Size())
		header[name] = TensorInfo{DType: dtype, Shape: t.Shape, DataOffsets: [2]int64{offset, offset + size}}
		offset += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "marshal header")
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create checkpoint")
	}
	if err := writeAll(f, headerJSON, names, tensors); err != nil {
		f.Close()
		os.Remove(path)
		return errors.Wrapf(err, "write checkpoint %s", path)
	}
	return f.Close()
}

func writeAll(w io.Writer, header []byte, names []string, tensors map[string]*Tensor) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(len(header))); err != nil {
		return err
	}
	if _, err := w.Write(header); err != nil {
		return err
	}
	for _, name := range names {
		t := tensors[name]
		dtype := t.DType
		if dtype == "" {
			dtype = F32
		}
		if _, err := w.Write(encode(dtype, t.Data)); err != nil {
			return errors.Wrapf(err, "tensor %s", name)
		}
	}
	return nil
}
