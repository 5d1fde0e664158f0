package tensor

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/exp/mmap"
)

var ErrTensorNotFound = errors.New("tensor not found")

// TensorInfo describes a tensor in safetensors format
type TensorInfo struct {
	Dtype  string   `json:"dtype"`
	Shape  []int    `json:"shape"`
	Offset [2]int64 `json:"data_offsets"`
}

// maxHeaderSize guards against reading a garbage length prefix
const maxHeaderSize = 100 << 20

// SafetensorsFile is a memory-mapped safetensors file
type SafetensorsFile struct {
	path      string
	r         *mmap.ReaderAt
	dataStart int64
	tensors   map[string]TensorInfo
}

// OpenSafetensors maps path and parses its header.
func OpenSafetensors(path string) (*SafetensorsFile, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to map %s: %w", path, err)
	}
	f := &SafetensorsFile{path: path, r: r}
	if err := f.readHeader(); err != nil {
		r.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

func (f *SafetensorsFile) readHeader() error {
	if f.r.Len() < 8 {
		return fmt.Errorf("file too short for safetensors header")
	}
	var lenBuf [8]byte
	if _, err := f.r.ReadAt(lenBuf[:], 0); err != nil {
		return err
	}
	headerSize := binary.LittleEndian.Uint64(lenBuf[:])
	if headerSize > maxHeaderSize || int64(8+headerSize) > int64(f.r.Len()) {
		return fmt.Errorf("invalid header size %d", headerSize)
	}

	header := make([]byte, headerSize)
	if _, err := f.r.ReadAt(header, 8); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(header, &raw); err != nil {
		return fmt.Errorf("failed to parse header: %w", err)
	}

	f.dataStart = int64(8 + headerSize)
	f.tensors = make(map[string]TensorInfo, len(raw))
	dataLen := int64(f.r.Len()) - f.dataStart
	for name, msg := range raw {
		if name == "__metadata__" {
			continue
		}
		var info TensorInfo
		if err := json.Unmarshal(msg, &info); err != nil {
			return fmt.Errorf("tensor %s: %w", name, err)
		}
		if info.Offset[0] < 0 || info.Offset[1] < info.Offset[0] || info.Offset[1] > dataLen {
			return fmt.Errorf("tensor %s: offsets %v outside data section", name, info.Offset)
		}
		f.tensors[name] = info
	}
	return nil
}

// Names lists the tensors in the file, sorted
func (f *SafetensorsFile) Names() []string {
	names := make([]string, 0, len(f.tensors))
	for n := range f.tensors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (f *SafetensorsFile) Has(name string) bool {
	_, ok := f.tensors[name]
	return ok
}

// Load copies one tensor out of the mapping.
func (f *SafetensorsFile) Load(name string) (*Weight, error) {
	info, ok := f.tensors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	buf := make([]byte, info.Offset[1]-info.Offset[0])
	if _, err := f.r.ReadAt(buf, f.dataStart+info.Offset[0]); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	w, err := newRawWeight(DType(info.Dtype), info.Shape, buf)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return w, nil
}

func (f *SafetensorsFile) Close() error {
	return f.r.Close()
}

// shardedIndex is model.safetensors.index.json
type shardedIndex struct {
	Metadata  map[string]interface{} `json:"metadata"`
	WeightMap map[string]string      `json:"weight_map"`
}

// Checkpoint is a set of safetensors files addressed by tensor name
type Checkpoint struct {
	files  []*SafetensorsFile
	lookup map[string]*SafetensorsFile
}

// OpenCheckpoint opens model.safetensors, or every shard listed in
// model.safetensors.index.json, in dir.
func OpenCheckpoint(dir string) (*Checkpoint, error) {
	indexPath := filepath.Join(dir, "model.safetensors.index.json")
	if data, err := os.ReadFile(indexPath); err == nil {
		var index shardedIndex
		if err := json.Unmarshal(data, &index); err != nil {
			return nil, fmt.Errorf("failed to parse index file: %w", err)
		}
		shards := make(map[string]bool)
		for _, shard := range index.WeightMap {
			shards[shard] = true
		}
		names := make([]string, 0, len(shards))
		for s := range shards {
			names = append(names, s)
		}
		sort.Strings(names)

		paths := make([]string, len(names))
		for i, s := range names {
			paths[i] = filepath.Join(dir, s)
		}
		return openFiles(paths)
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	return openFiles([]string{filepath.Join(dir, "model.safetensors")})
}

func openFiles(paths []string) (*Checkpoint, error) {
	ck := &Checkpoint{lookup: make(map[string]*SafetensorsFile)}
	for _, p := range paths {
		f, err := OpenSafetensors(p)
		if err != nil {
			ck.Close()
			return nil, err
		}
		ck.files = append(ck.files, f)
		for name := range f.tensors {
			ck.lookup[name] = f
		}
	}
	return ck, nil
}

// Load finds name in whichever shard holds it
func (c *Checkpoint) Load(name string) (*Weight, error) {
	f, ok := c.lookup[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	return f.Load(name)
}

func (c *Checkpoint) Has(name string) bool {
	_, ok := c.lookup[name]
	return ok
}

// NumTensors counts tensors across all shards
func (c *Checkpoint) NumTensors() int { return len(c.lookup) }

func (c *Checkpoint) Close() error {
	var first error
	for _, f := range c.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
