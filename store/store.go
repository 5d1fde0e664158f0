package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"emotion-attention/extract"
	"emotion-attention/logger"
)

const (
	FormatVersion = "1"
	FileExt       = ".arrow"

	// captures per record batch
	defaultBatchRows = 1024
)

// metadata keys written by the store itself
const (
	keyVersion   = "format_version"
	keyLayers    = "layers"
	keyLocations = "locations"
	keyTokens    = "tokens"
)

var reservedKeys = map[string]bool{keyVersion: true, keyLayers: true, keyLocations: true, keyTokens: true}

const (
	colExample = iota
	colPrompt
	colInputIDs
	colMask
	colTokens
	colLabel
	colLayer
	colLocation
	colToken
	colPosition
	colShape
	colValues
)

func fields() []arrow.Field {
	return []arrow.Field{
		{Name: "example", Type: arrow.PrimitiveTypes.Int32},
		{Name: "prompt", Type: arrow.BinaryTypes.String},
		{Name: "input_ids", Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
		{Name: "attention_mask", Type: arrow.ListOf(arrow.PrimitiveTypes.Int8)},
		{Name: "tokens", Type: arrow.ListOf(arrow.BinaryTypes.String)},
		{Name: "label", Type: arrow.ListOf(arrow.PrimitiveTypes.Float64)},
		{Name: "layer", Type: arrow.PrimitiveTypes.Int32},
		{Name: "location", Type: arrow.PrimitiveTypes.Int32},
		{Name: "token", Type: arrow.PrimitiveTypes.Int32},
		{Name: "position", Type: arrow.PrimitiveTypes.Int32},
		{Name: "shape", Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
		{Name: "values", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
	}
}

type options struct {
	mem         memory.Allocator
	batchRows   int
	compression string
}

type Option func(*options)

// WithAllocator sets the Arrow allocator used for building and reading batches
func WithAllocator(mem memory.Allocator) Option {
	return func(o *options) { o.mem = mem }
}

// WithBatchRows sets how many captures go into one record batch
func WithBatchRows(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batchRows = n
		}
	}
}

// WithCompression compresses record batch buffers with "zstd" or "lz4".
// An empty codec writes uncompressed batches.
func WithCompression(codec string) Option {
	return func(o *options) { o.compression = strings.ToLower(codec) }
}

func newOptions(opts []Option) options {
	o := options{mem: memory.DefaultAllocator, batchRows: defaultBatchRows}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// PyList renders ints the way Python's str(list) does: "[0, 1, 2]"
func PyList(vals []int) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.Itoa(v)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// ParsePyList is the inverse of PyList
func ParsePyList(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return nil, fmt.Errorf("not a list: %q", s)
	}
	body := strings.TrimSpace(s[1 : len(s)-1])
	if body == "" {
		return []int{}, nil
	}
	parts := strings.Split(body, ",")
	out := make([]int, len(parts))
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("list %q: %w", s, err)
		}
		out[i] = v
	}
	return out, nil
}

// FileName encodes the request coordinates in the result file name
func FileName(req extract.Request) string {
	return fmt.Sprintf("attention_weights_layers_%s_locs_%s_tokens_%s%s",
		PyList(req.Layers), PyList(req.Locations), PyList(req.Tokens), FileExt)
}

// OutputPath returns <dir>/<shortName>/<FileName(req)>
func OutputPath(dir, shortName string, req extract.Request) string {
	return filepath.Join(dir, shortName, FileName(req))
}

func schemaFor(res *extract.Result) *arrow.Schema {
	keys := []string{keyVersion, keyLayers, keyLocations, keyTokens}
	vals := []string{FormatVersion, PyList(res.Layers), PyList(res.Locations), PyList(res.Tokens)}

	extra := make([]string, 0, len(res.Metadata))
	for k := range res.Metadata {
		if !reservedKeys[k] {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	for _, k := range extra {
		keys = append(keys, k)
		vals = append(vals, res.Metadata[k])
	}
	md := arrow.NewMetadata(keys, vals)
	return arrow.NewSchema(fields(), &md)
}

// Write stores res as an Arrow IPC file with one row per capture. The file
// is written next to path and renamed into place.
func Write(path string, res *extract.Result, opts ...Option) error {
	o := newOptions(opts)
	schema := schemaFor(res)

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	defer os.Remove(tmp)

	if err := writeRecords(f, schema, res, o); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to move result into place: %w", err)
	}

	logger.Log.Info("Result written",
		"path", path,
		"compression", o.compression,
		"examples", len(res.Records),
		"captures", res.NumCaptures())
	return nil
}

func writeRecords(f *os.File, schema *arrow.Schema, res *extract.Result, o options) error {
	wopts := []ipc.Option{ipc.WithSchema(schema), ipc.WithAllocator(o.mem)}
	switch o.compression {
	case "":
	case "zstd":
		wopts = append(wopts, ipc.WithZstd())
	case "lz4":
		wopts = append(wopts, ipc.WithLZ4())
	default:
		return fmt.Errorf("unsupported compression %q", o.compression)
	}
	w, err := ipc.NewFileWriter(f, wopts...)
	if err != nil {
		return err
	}

	b := array.NewRecordBuilder(o.mem, schema)
	defer b.Release()

	flush := func() error {
		rec := b.NewRecord()
		defer rec.Release()
		if rec.NumRows() == 0 {
			return nil
		}
		return w.Write(rec)
	}

	rows := 0
	for i := range res.Records {
		r := &res.Records[i]
		for _, c := range r.Captures {
			appendRow(b, r, c)
			rows++
			if rows%o.batchRows == 0 {
				if err := flush(); err != nil {
					w.Close()
					return err
				}
			}
		}
	}
	if err := flush(); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func appendRow(b *array.RecordBuilder, r *extract.Record, c extract.Capture) {
	b.Field(colExample).(*array.Int32Builder).Append(int32(r.Index))
	b.Field(colPrompt).(*array.StringBuilder).Append(r.Prompt)

	ids := b.Field(colInputIDs).(*array.ListBuilder)
	ids.Append(true)
	idVals := ids.ValueBuilder().(*array.Int32Builder)
	for _, id := range r.InputIDs {
		idVals.Append(int32(id))
	}

	mask := b.Field(colMask).(*array.ListBuilder)
	mask.Append(true)
	maskVals := mask.ValueBuilder().(*array.Int8Builder)
	for _, m := range r.AttentionMask {
		maskVals.Append(int8(m))
	}

	toks := b.Field(colTokens).(*array.ListBuilder)
	toks.Append(true)
	toks.ValueBuilder().(*array.StringBuilder).AppendValues(r.Tokens, nil)

	label := b.Field(colLabel).(*array.ListBuilder)
	label.Append(true)
	label.ValueBuilder().(*array.Float64Builder).AppendValues(r.Label, nil)

	b.Field(colLayer).(*array.Int32Builder).Append(int32(c.Layer))
	b.Field(colLocation).(*array.Int32Builder).Append(int32(c.Location))
	b.Field(colToken).(*array.Int32Builder).Append(int32(c.Token))
	b.Field(colPosition).(*array.Int32Builder).Append(int32(c.Position))

	shape := b.Field(colShape).(*array.ListBuilder)
	shape.Append(true)
	shapeVals := shape.ValueBuilder().(*array.Int32Builder)
	for _, d := range c.Shape {
		shapeVals.Append(int32(d))
	}

	values := b.Field(colValues).(*array.ListBuilder)
	values.Append(true)
	values.ValueBuilder().(*array.Float32Builder).AppendValues(c.Values, nil)
}
