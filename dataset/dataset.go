package dataset

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
)

// Example is a formatted prompt paired with its label vector
type Example struct {
	Index  int
	Prompt string
	Label  []float64
}

// Dataset holds prompts and labels in row order.
type Dataset struct {
	examples []Example
}

// New formats each row's text with format and keeps the rows in file order.
// A nil format uses the raw text.
func New(rows []Row, format func(string) string) *Dataset {
	ds := &Dataset{examples: make([]Example, len(rows))}
	for i, r := range rows {
		text := r.Text
		if format != nil {
			text = format(text)
		}
		ds.examples[i] = Example{Index: i, Prompt: text, Label: r.Label()}
	}
	return ds
}

func (d *Dataset) Len() int { return len(d.examples) }

// At returns the i-th example.
func (d *Dataset) At(i int) Example { return d.examples[i] }

// Prompts returns every prompt in order
func (d *Dataset) Prompts() []string {
	out := make([]string, len(d.examples))
	for i, e := range d.examples {
		out[i] = e.Prompt
	}
	return out
}

// Fingerprint hashes prompts and labels so result files can be tied to their input.
func (d *Dataset) Fingerprint() uint64 {
	h := xxhash.New()
	var buf [8]byte
	for _, e := range d.examples {
		h.WriteString(e.Prompt)
		h.Write([]byte{0})
		for _, v := range e.Label {
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
			h.Write(buf[:])
		}
	}
	return h.Sum64()
}

// Batch is a contiguous slice of examples
type Batch struct {
	Examples []Example
}

func (b Batch) Prompts() []string {
	out := make([]string, len(b.Examples))
	for i, e := range b.Examples {
		out[i] = e.Prompt
	}
	return out
}

// Loader yields batches in dataset order without shuffling
type Loader struct {
	ds        *Dataset
	batchSize int
	pos       int
}

func NewLoader(ds *Dataset, batchSize int) (*Loader, error) {
	if batchSize < 1 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	return &Loader{ds: ds, batchSize: batchSize}, nil
}

// Next returns the next batch. The final batch may be short.
func (l *Loader) Next() (Batch, bool) {
	if l.pos >= l.ds.Len() {
		return Batch{}, false
	}
	end := min(l.pos+l.batchSize, l.ds.Len())
	b := Batch{Examples: l.ds.examples[l.pos:end]}
	l.pos = end
	return b, true
}

func (l *Loader) Reset() { l.pos = 0 }

// NumBatches is the number of batches one full pass yields
func (l *Loader) NumBatches() int {
	return (l.ds.Len() + l.batchSize - 1) / l.batchSize
}

func (l *Loader) Dataset() *Dataset { return l.ds }
