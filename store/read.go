package store

import (
	"fmt"
	"os"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"

	"emotion-attention/extract"
)

// Read loads a result file written by Write. Consecutive rows of the same
// example are folded back into one Record.
func Read(path string, opts ...Option) (*extract.Result, error) {
	o := newOptions(opts)

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open result: %w", err)
	}
	defer f.Close()

	r, err := ipc.NewFileReader(f, ipc.WithAllocator(o.mem))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	defer r.Close()

	res, err := resultFromSchema(r.Schema())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	for i := 0; i < r.NumRecords(); i++ {
		rec, err := r.Record(i)
		if err != nil {
			return nil, fmt.Errorf("failed to read record batch %d: %w", i, err)
		}
		appendBatch(res, rec)
	}
	return res, nil
}

func resultFromSchema(schema *arrow.Schema) (*extract.Result, error) {
	want := fields()
	if len(schema.Fields()) != len(want) {
		return nil, fmt.Errorf("unexpected schema with %d fields", len(schema.Fields()))
	}
	for i, f := range want {
		if got := schema.Field(i); got.Name != f.Name || !arrow.TypeEqual(got.Type, f.Type) {
			return nil, fmt.Errorf("field %d is %s %s, want %s %s", i, got.Name, got.Type, f.Name, f.Type)
		}
	}

	md := schema.Metadata()
	res := &extract.Result{Metadata: make(map[string]string)}
	if v := metaValue(md, keyVersion); v != FormatVersion {
		return nil, fmt.Errorf("unsupported format version %q", v)
	}
	var err error
	if res.Layers, err = ParsePyList(metaValue(md, keyLayers)); err != nil {
		return nil, fmt.Errorf("layers: %w", err)
	}
	if res.Locations, err = ParsePyList(metaValue(md, keyLocations)); err != nil {
		return nil, fmt.Errorf("locations: %w", err)
	}
	if res.Tokens, err = ParsePyList(metaValue(md, keyTokens)); err != nil {
		return nil, fmt.Errorf("tokens: %w", err)
	}
	for i, k := range md.Keys() {
		if !reservedKeys[k] {
			res.Metadata[k] = md.Values()[i]
		}
	}
	return res, nil
}

func metaValue(md arrow.Metadata, key string) string {
	if i := md.FindKey(key); i >= 0 {
		return md.Values()[i]
	}
	return ""
}

func appendBatch(res *extract.Result, rec arrow.Record) {
	example := rec.Column(colExample).(*array.Int32)
	prompt := rec.Column(colPrompt).(*array.String)
	inputIDs := rec.Column(colInputIDs).(*array.List)
	mask := rec.Column(colMask).(*array.List)
	tokens := rec.Column(colTokens).(*array.List)
	label := rec.Column(colLabel).(*array.List)
	layer := rec.Column(colLayer).(*array.Int32)
	location := rec.Column(colLocation).(*array.Int32)
	token := rec.Column(colToken).(*array.Int32)
	position := rec.Column(colPosition).(*array.Int32)
	shape := rec.Column(colShape).(*array.List)
	values := rec.Column(colValues).(*array.List)

	for row := 0; row < int(rec.NumRows()); row++ {
		idx := int(example.Value(row))
		n := len(res.Records)
		if n == 0 || res.Records[n-1].Index != idx {
			res.Records = append(res.Records, extract.Record{
				Index:         idx,
				Prompt:        strings.Clone(prompt.Value(row)),
				InputIDs:      int32s(inputIDs, row),
				AttentionMask: int8s(mask, row),
				Tokens:        strs(tokens, row),
				Label:         float64s(label, row),
			})
			n++
		}

		r := &res.Records[n-1]
		r.Captures = append(r.Captures, extract.Capture{
			Layer:    int(layer.Value(row)),
			Location: int(location.Value(row)),
			Token:    int(token.Value(row)),
			Position: int(position.Value(row)),
			Shape:    int32s(shape, row),
			Values:   float32s(values, row),
		})
	}
}

func int32s(l *array.List, row int) []int {
	start, end := l.ValueOffsets(row)
	vals := l.ListValues().(*array.Int32)
	out := make([]int, 0, end-start)
	for i := start; i < end; i++ {
		out = append(out, int(vals.Value(int(i))))
	}
	return out
}

func int8s(l *array.List, row int) []int {
	start, end := l.ValueOffsets(row)
	vals := l.ListValues().(*array.Int8)
	out := make([]int, 0, end-start)
	for i := start; i < end; i++ {
		out = append(out, int(vals.Value(int(i))))
	}
	return out
}

func strs(l *array.List, row int) []string {
	start, end := l.ValueOffsets(row)
	vals := l.ListValues().(*array.String)
	out := make([]string, 0, end-start)
	for i := start; i < end; i++ {
		out = append(out, strings.Clone(vals.Value(int(i))))
	}
	return out
}

func float64s(l *array.List, row int) []float64 {
	start, end := l.ValueOffsets(row)
	vals := l.ListValues().(*array.Float64)
	out := make([]float64, end-start)
	for i := range out {
		out[i] = vals.Value(int(start) + i)
	}
	return out
}

func float32s(l *array.List, row int) []float32 {
	start, end := l.ValueOffsets(row)
	vals := l.ListValues().(*array.Float32)
	out := make([]float32, end-start)
	for i := range out {
		out[i] = vals.Value(int(start) + i)
	}
	return out
}
