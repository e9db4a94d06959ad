// Package safetensors reads checkpoint files in the safetensors format:
// an 8-byte little-endian header length, a JSON header mapping tensor
// names to dtype/shape/offsets, then the raw tensor data.
package safetensors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/goccy/go-json"
	"golang.org/x/sys/unix"
)

var (
	ErrCorruptHeader    = errors.New("safetensors: corrupt header")
	ErrTensorNotFound   = errors.New("safetensors: tensor not found")
	ErrUnsupportedDType = errors.New("safetensors: unsupported dtype")
)

// TensorInfo describes one tensor entry from the file header. Start and
// End are byte offsets relative to the start of the data section.
type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

// NumElements returns the flat element count of the tensor shape.
func (t TensorInfo) NumElements() (int, error) {
	if len(t.Shape) == 0 {
		return 0, fmt.Errorf("%w: empty shape", ErrCorruptHeader)
	}
	n := 1
	for _, d := range t.Shape {
		if d <= 0 {
			return 0, fmt.Errorf("%w: invalid dim %d", ErrCorruptHeader, d)
		}
		if n > (int(^uint(0)>>1))/d {
			return 0, fmt.Errorf("%w: tensor too large", ErrCorruptHeader)
		}
		n *= d
	}
	return n, nil
}

// File is an open safetensors checkpoint. The data section is mapped
// into memory where the platform allows it, with a plain read fallback.
type File struct {
	Path    string
	Tensors map[string]TensorInfo

	data      []byte
	dataStart int64
	mmapped   bool
}

type headerEntry struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// Open reads the header and maps the file contents.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()
	if size < 8 {
		return nil, ErrCorruptHeader
	}

	var lenBuf [8]byte
	if _, err := f.ReadAt(lenBuf[:], 0); err != nil {
		return nil, err
	}
	headerLen := int64(binary.LittleEndian.Uint64(lenBuf[:]))
	if headerLen <= 0 || 8+headerLen > size {
		return nil, ErrCorruptHeader
	}

	// Prefer mmap for zero-copy tensor slices.
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	mmapped := err == nil
	if err != nil {
		data = make([]byte, size)
		if _, err := f.ReadAt(data, 0); err != nil {
			return nil, err
		}
	}

	tensors, err := parseHeader(data[8 : 8+headerLen])
	if err != nil {
		if mmapped {
			_ = unix.Munmap(data)
		}
		return nil, err
	}

	return &File{
		Path:      path,
		Tensors:   tensors,
		data:      data,
		dataStart: 8 + headerLen,
		mmapped:   mmapped,
	}, nil
}

func parseHeader(headerBytes []byte) (map[string]TensorInfo, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptHeader, err)
	}
	delete(raw, "__metadata__")

	tensors := make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		var e headerEntry
		if err := json.Unmarshal(msg, &e); err != nil {
			return nil, fmt.Errorf("%w: tensor %s: %v", ErrCorruptHeader, name, err)
		}
		if len(e.DataOffsets) != 2 || e.DataOffsets[1] < e.DataOffsets[0] {
			return nil, fmt.Errorf("%w: tensor %s: invalid data_offsets", ErrCorruptHeader, name)
		}
		tensors[name] = TensorInfo{
			DType: e.DType,
			Shape: e.Shape,
			Start: e.DataOffsets[0],
			End:   e.DataOffsets[1],
		}
	}
	return tensors, nil
}

// Close releases the mmap backing if any.
func (f *File) Close() error {
	if f == nil || f.data == nil {
		return nil
	}
	var err error
	if f.mmapped {
		err = unix.Munmap(f.data)
	}
	f.data = nil
	f.Tensors = nil
	f.mmapped = false
	return err
}

// Names returns tensor names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for name := range f.Tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tensor looks up a tensor entry by name.
func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// raw returns the tensor bytes as a slice into the mapped file.
func (f *File) raw(name string) ([]byte, TensorInfo, error) {
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	lo := f.dataStart + t.Start
	hi := f.dataStart + t.End
	if lo < 0 || hi > int64(len(f.data)) {
		return nil, TensorInfo{}, fmt.Errorf("%w: tensor %s out of bounds", ErrCorruptHeader, name)
	}
	return f.data[lo:hi], t, nil
}

// ReadTensorF32 decodes the named tensor to float32, converting from
// BF16 or F16 storage where needed.
func (f *File) ReadTensorF32(name string) ([]float32, TensorInfo, error) {
	raw, info, err := f.raw(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	n, err := info.NumElements()
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}

	switch info.DType {
	case "F32":
		if len(raw) != n*4 {
			return nil, TensorInfo{}, fmt.Errorf("%w: tensor %s: bad f32 size", ErrCorruptHeader, name)
		}
		out := make([]float32, n)
		for i := 0; i < n; i++ {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out, info, nil
	case "BF16":
		if len(raw) != n*2 {
			return nil, TensorInfo{}, fmt.Errorf("%w: tensor %s: bad bf16 size", ErrCorruptHeader, name)
		}
		out := make([]float32, n)
		for i := 0; i < n; i++ {
			out[i] = bf16ToF32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
		return out, info, nil
	case "F16":
		if len(raw) != n*2 {
			return nil, TensorInfo{}, fmt.Errorf("%w: tensor %s: bad f16 size", ErrCorruptHeader, name)
		}
		out := make([]float32, n)
		for i := 0; i < n; i++ {
			out[i] = f16ToF32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
		return out, info, nil
	default:
		return nil, TensorInfo{}, fmt.Errorf("%w: %s (tensor %s)", ErrUnsupportedDType, info.DType, name)
	}
}

func bf16ToF32(u uint16) float32 {
	return math.Float32frombits(uint32(u) << 16)
}

func f16ToF32(h uint16) float32 {
	sign := uint32(h>>15) & 0x1
	exp := uint32(h>>10) & 0x1F
	frac := uint32(h & 0x3FF)
	var f uint32
	switch exp {
	case 0:
		if frac == 0 {
			f = sign << 31
		} else {
			e := uint32(127 - 15 + 1)
			for (frac & 0x400) == 0 {
				frac <<= 1
				e--
			}
			frac &= 0x3FF
			f = (sign << 31) | (e << 23) | (frac << 13)
		}
	case 0x1F:
		f = (sign << 31) | 0x7F800000 | (frac << 13)
	default:
		e := exp + (127 - 15)
		f = (sign << 31) | (e << 23) | (frac << 13)
	}
	return math.Float32frombits(f)
}
