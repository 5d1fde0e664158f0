package main

import (
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"

	"emotion-attention/extract"
	"emotion-attention/store"
	"emotion-attention/tensor"
)

func main() {
	example := flag.Int("example", -1, "Dump the captures of this example index")
	values := flag.Int("values", 10, "Values printed per capture in the dump")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage:\n  %s [flags] <result.arrow>\n\nFlags:\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	res, err := store.Read(flag.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	summarize(os.Stdout, res)
	if *example >= 0 {
		if err := dump(os.Stdout, res, *example, *values); err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}
	}
}

type stats struct {
	count    int
	values   int
	min, max float64
	sum      float64
}

func (s *stats) add(vals []float32) {
	if s.count == 0 {
		s.min, s.max = math.Inf(1), math.Inf(-1)
	}
	s.count++
	for _, v := range vals {
		f := float64(v)
		s.min = math.Min(s.min, f)
		s.max = math.Max(s.max, f)
		s.sum += f
	}
	s.values += len(vals)
}

func (s *stats) mean() float64 {
	if s.values == 0 {
		return 0
	}
	return s.sum / float64(s.values)
}

func summarize(w io.Writer, res *extract.Result) {
	fmt.Fprintln(w, "=== Request ===")
	fmt.Fprintf(w, "layers=%s locations=%s tokens=%s\n",
		store.PyList(res.Layers), store.PyList(res.Locations), store.PyList(res.Tokens))

	fmt.Fprintln(w, "\n=== Metadata ===")
	keys := make([]string, 0, len(res.Metadata))
	for k := range res.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s: %s\n", k, res.Metadata[k])
	}

	fmt.Fprintln(w, "\n=== Records ===")
	fmt.Fprintf(w, "examples=%d captures=%d\n", len(res.Records), res.NumCaptures())
	if len(res.Records) == 0 {
		return
	}
	minLen, maxLen := math.MaxInt, 0
	for _, r := range res.Records {
		minLen = min(minLen, len(r.InputIDs))
		maxLen = max(maxLen, len(r.InputIDs))
	}
	fmt.Fprintf(w, "sequence length: min=%d, max=%d\n", minLen, maxLen)

	fmt.Fprintln(w, "\n=== Captures ===")
	per := make(map[extract.Key]*stats)
	for _, r := range res.Records {
		for _, c := range r.Captures {
			k := extract.Key{Layer: c.Layer, Location: tensor.Hook(c.Location)}
			if per[k] == nil {
				per[k] = &stats{}
			}
			per[k].add(c.Values)
		}
	}
	order := make([]extract.Key, 0, len(per))
	for k := range per {
		order = append(order, k)
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].Layer != order[j].Layer {
			return order[i].Layer < order[j].Layer
		}
		return order[i].Location < order[j].Location
	})
	for _, k := range order {
		s := per[k]
		fmt.Fprintf(w, "layer %d location %d (%s): n=%d min=%.6f max=%.6f mean=%.6f\n",
			k.Layer, int(k.Location), k.Location, s.count, s.min, s.max, s.mean())
	}
}

func dump(w io.Writer, res *extract.Result, example, limit int) error {
	for _, r := range res.Records {
		if r.Index != example {
			continue
		}
		fmt.Fprintf(w, "\n=== Example %d ===\n", r.Index)
		fmt.Fprintf(w, "label: %v\n", r.Label)
		fmt.Fprintf(w, "prompt: %q\n", r.Prompt)
		fmt.Fprintf(w, "tokens: %q\n", r.Tokens)
		for _, c := range r.Captures {
			n := min(limit, len(c.Values))
			fmt.Fprintf(w, "layer=%d location=%d token=%d position=%d shape=%v\n  first %d values:",
				c.Layer, c.Location, c.Token, c.Position, c.Shape, n)
			for _, v := range c.Values[:n] {
				fmt.Fprintf(w, " %.6f", v)
			}
			fmt.Fprintln(w)
		}
		return nil
	}
	return fmt.Errorf("example %d not in result", example)
}
