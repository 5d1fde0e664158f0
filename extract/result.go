package extract

// Capture is one requested slice of one example's activations. Stream hooks
// give Shape [dim]; attention maps give Shape [heads, seq], one row of keys
// per head with padded keys removed.
type Capture struct {
	Layer    int
	Location int
	Token    int // as requested, possibly negative
	Position int // index into the record's InputIDs
	Shape    []int
	Values   []float32
}

// Record is everything extracted for one example. InputIDs, AttentionMask and
// Tokens are the tokenized input as it was batched, padding included.
type Record struct {
	Index         int
	Prompt        string
	InputIDs      []int
	AttentionMask []int
	Tokens        []string
	Label         []float64
	Captures      []Capture
}

// Find returns the capture at the given coordinates
func (r *Record) Find(layer, location, token int) (Capture, bool) {
	for _, c := range r.Captures {
		if c.Layer == layer && c.Location == location && c.Token == token {
			return c, true
		}
	}
	return Capture{}, false
}

// Result is the output of one extraction pass. Records stay per example.
type Result struct {
	Layers    []int
	Locations []int
	Tokens    []int
	Metadata  map[string]string
	Records   []Record
}

// Request returns the coordinates the result was extracted with
func (r *Result) Request() Request {
	return Request{Layers: r.Layers, Locations: r.Locations, Tokens: r.Tokens}
}

// NumCaptures counts captures across every record
func (r *Result) NumCaptures() int {
	n := 0
	for _, rec := range r.Records {
		n += len(rec.Captures)
	}
	return n
}
