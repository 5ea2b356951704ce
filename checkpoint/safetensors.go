package checkpoint

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
	"golang.org/x/exp/maps"
)

const (
	DTypeF32  = "F32"
	DTypeF16  = "F16"
	DTypeBF16 = "BF16"
)

// maxHeaderSize bounds the JSON header.
const maxHeaderSize = 100_000_000

type safetensorMetadata struct {
	Type    string   `json:"dtype"`
	Shape   []uint64 `json:"shape"`
	Offsets []int64  `json:"data_offsets"`
}

// Info describes one tensor of a safetensors file without its data.
type Info struct {
	Name  string
	DType string
	Shape []int
}

func readHeader(r io.Reader) (int64, map[string]safetensorMetadata, error) {
	var n int64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return 0, nil, err
	}
	if n <= 0 || n > maxHeaderSize {
		return 0, nil, fmt.Errorf("invalid safetensors header length %d", n)
	}

	b := bytes.NewBuffer(make([]byte, 0, n))
	if _, err := io.CopyN(b, r, n); err != nil {
		return 0, nil, err
	}

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(b).Decode(&raw); err != nil {
		return 0, nil, err
	}

	headers := make(map[string]safetensorMetadata, len(raw))
	for key, msg := range raw {
		if key == "__metadata__" {
			continue
		}
		var value safetensorMetadata
		if err := json.Unmarshal(msg, &value); err != nil {
			return 0, nil, fmt.Errorf("%s: %w", key, err)
		}
		if len(value.Offsets) != 2 || value.Offsets[0] < 0 || value.Offsets[0] > value.Offsets[1] {
			return 0, nil, fmt.Errorf("%s: invalid data offsets %v", key, value.Offsets)
		}
		headers[key] = value
	}
	return n, headers, nil
}

func toShape(shape []uint64) []int {
	s := make([]int, len(shape))
	for i, d := range shape {
		s[i] = int(d)
	}
	return s
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Inspect lists the tensors of a safetensors file sorted by name.
func Inspect(path string) ([]Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	_, headers, err := readHeader(f)
	if err != nil {
		return nil, err
	}
	keys := maps.Keys(headers)
	slices.Sort(keys)

	infos := make([]Info, len(keys))
	for i, key := range keys {
		value := headers[key]
		infos[i] = Info{Name: key, DType: value.Type, Shape: toShape(value.Shape)}
	}
	return infos, nil
}

// ReadSafetensors decodes every tensor of r into float32.
func ReadSafetensors(r io.Reader) (map[string]Tensor, error) {
	_, headers, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	tensors := make(map[string]Tensor, len(headers))
	for key, value := range headers {
		begin, end := value.Offsets[0], value.Offsets[1]
		if end > int64(len(data)) {
			return nil, fmt.Errorf("%s: data offsets %v exceed %d bytes", key, value.Offsets, len(data))
		}
		shape := toShape(value.Shape)
		f32s, err := decode(value.Type, data[begin:end])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		if len(f32s) != numElements(shape) {
			return nil, fmt.Errorf("%s: %d values for shape %v", key, len(f32s), shape)
		}
		tensors[key] = Tensor{Shape: shape, Data: f32s}
	}
	return tensors, nil
}

func decode(dtype string, b []byte) ([]float32, error) {
	r := bytes.NewReader(b)
	switch dtype {
	case DTypeF32:
		f32s := make([]float32, len(b)/4)
		if err := binary.Read(r, binary.LittleEndian, f32s); err != nil {
			return nil, err
		}
		return f32s, nil
	case DTypeF16:
		u16s := make([]uint16, len(b)/2)
		if err := binary.Read(r, binary.LittleEndian, u16s); err != nil {
			return nil, err
		}
		f32s := make([]float32, len(u16s))
		for i := range u16s {
			f32s[i] = float16.Frombits(u16s[i]).Float32()
		}
		return f32s, nil
	case DTypeBF16:
		return bfloat16.DecodeFloat32(b), nil
	default:
		return nil, fmt.Errorf("unknown data type: %s", dtype)
	}
}

func ReadSafetensorsFile(path string) (map[string]Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadSafetensors(bufio.NewReader(f))
}

// WriteSafetensors writes tensors sorted by name, stored as dtype (F32 or F16).
func WriteSafetensors(w io.Writer, tensors map[string]Tensor, dtype string) error {
	var width int64
	switch dtype {
	case DTypeF32:
		width = 4
	case DTypeF16:
		width = 2
	default:
		return fmt.Errorf("unsupported storage type: %s", dtype)
	}

	keys := maps.Keys(tensors)
	slices.Sort(keys)

	headers := make(map[string]safetensorMetadata, len(keys))
	var offset int64
	for _, key := range keys {
		t := tensors[key]
		if len(t.Data) != numElements(t.Shape) {
			return fmt.Errorf("%s: %d values for shape %v", key, len(t.Data), t.Shape)
		}
		shape := make([]uint64, len(t.Shape))
		for i, d := range t.Shape {
			shape[i] = uint64(d)
		}
		size := int64(len(t.Data)) * width
		headers[key] = safetensorMetadata{Type: dtype, Shape: shape, Offsets: []int64{offset, offset + size}}
		offset += size
	}

	header, err := json.Marshal(headers)
	if err != nil {
		return err
	}
	// pad to an 8-byte boundary
	if pad := len(header) % 8; pad != 0 {
		header = append(header, bytes.Repeat([]byte(" "), 8-pad)...)
	}

	if err := binary.Write(w, binary.LittleEndian, int64(len(header))); err != nil {
		return err
	}
	if _, err := w.Write(header); err != nil {
		return err
	}

	for _, key := range keys {
		f32s := tensors[key].Data
		switch dtype {
		case DTypeF32:
			err = binary.Write(w, binary.LittleEndian, f32s)
		case DTypeF16:
			f16s := make([]uint16, len(f32s))
			for i := range f32s {
				f16s[i] = float16.Fromfloat32(f32s[i]).Bits()
			}
			err = binary.Write(w, binary.LittleEndian, f16s)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func WriteSafetensorsFile(path string, tensors map[string]Tensor, dtype string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()

	bw := bufio.NewWriter(f)
	if err := WriteSafetensors(bw, tensors, dtype); err != nil {
		return err
	}
	return bw.Flush()
}
