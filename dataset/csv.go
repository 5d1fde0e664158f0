package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"

	"emotion-attention/logger"
)

// DefaultTextColumn holds the event description with the emotion word masked out
const DefaultTextColumn = "hidden_emo_text"

// DefaultEncoding is the encoding enVent CSV exports ship in
const DefaultEncoding = "ISO-8859-1"

const emotionColumn = "emotion"

var ErrMissingColumn = errors.New("missing column")

// Row is one dataset record after normalization
type Row struct {
	Line       int // CSV record number, header is 1
	Text       string
	Emotion    string
	EmotionID  int
	Appraisals [NumAppraisals]float64
}

// Label returns the emotion id followed by the appraisal scores.
func (r Row) Label() []float64 {
	label := make([]float64, LabelWidth)
	label[0] = float64(r.EmotionID)
	copy(label[1:], r.Appraisals[:])
	return label
}

type csvOptions struct {
	encoding   string
	textColumn string
}

// CSVOption configures LoadCSV
type CSVOption func(*csvOptions)

// WithEncoding sets the source character encoding by IANA name ("UTF-8", "ISO-8859-1", ...)
func WithEncoding(name string) CSVOption {
	return func(o *csvOptions) {
		o.encoding = name
	}
}

// WithTextColumn selects the column used as prompt text
func WithTextColumn(name string) CSVOption {
	return func(o *csvOptions) {
		o.textColumn = name
	}
}

// LoadCSV reads and normalizes every row of the dataset at path.
func LoadCSV(path string, opts ...CSVOption) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	defer f.Close()

	rows, err := ReadCSV(f, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	logger.Log.Info("Dataset loaded", "path", path, "rows", len(rows))
	return rows, nil
}

// ReadCSV is LoadCSV over an arbitrary reader.
func ReadCSV(r io.Reader, opts ...CSVOption) ([]Row, error) {
	o := csvOptions{encoding: DefaultEncoding, textColumn: DefaultTextColumn}
	for _, opt := range opts {
		opt(&o)
	}

	src, err := decodingReader(r, o.encoding)
	if err != nil {
		return nil, err
	}

	reader := csv.NewReader(src)
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty CSV file")
		}
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	index := make(map[string]int, len(header))
	for i, h := range header {
		index[normalizeColumnName(h)] = i
	}

	textIdx, ok := index[o.textColumn]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumn, o.textColumn)
	}
	emotionIdx, ok := index[emotionColumn]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumn, emotionColumn)
	}
	var appraisalIdx [NumAppraisals]int
	for i, name := range Appraisals {
		idx, ok := index[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, name)
		}
		appraisalIdx[i] = idx
	}

	var rows []Row
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse CSV: %w", err)
		}

		row := Row{Line: line}
		row.Text = field(record, textIdx)
		row.Emotion = NormalizeEmotion(field(record, emotionIdx))
		if row.EmotionID, err = EmotionID(row.Emotion); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		for i, idx := range appraisalIdx {
			raw := strings.TrimSpace(field(record, idx))
			if raw == "" {
				row.Appraisals[i] = math.NaN()
				continue
			}
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: column %s: invalid score %q", line, Appraisals[i], raw)
			}
			row.Appraisals[i] = v
		}
		rows = append(rows, row)
	}

	return rows, nil
}

func decodingReader(r io.Reader, name string) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "utf-8", "utf8":
		return r, nil
	case "iso-8859-1", "latin1", "latin-1":
		return transform.NewReader(r, charmap.ISO8859_1.NewDecoder()), nil
	case "windows-1252", "cp1252":
		return transform.NewReader(r, charmap.Windows1252.NewDecoder()), nil
	}
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil {
		return nil, fmt.Errorf("unknown encoding %q: %w", name, err)
	}
	if enc == nil {
		return nil, fmt.Errorf("unsupported encoding %q", name)
	}
	return transform.NewReader(r, enc.NewDecoder()), nil
}

func normalizeColumnName(name string) string {
	name = strings.TrimPrefix(name, "\ufeff")
	return strings.TrimSpace(name)
}

func field(record []string, idx int) string {
	if idx < len(record) {
		return record[idx]
	}
	return ""
}
