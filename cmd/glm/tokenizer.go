package main

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/eliben/go-sentencepiece"

	"github.com/23skdu/longbow-glm/internal/metrics"
)

// tokenizer wraps a sentencepiece processor loaded from tokenizer.model.
type tokenizer struct {
	proc *sentencepiece.Processor
}

func loadTokenizer(dir string) (*tokenizer, error) {
	proc, err := sentencepiece.NewProcessorFromPath(filepath.Join(dir, "tokenizer.model"))
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	return &tokenizer{proc: proc}, nil
}

func (t *tokenizer) encode(text string) []int32 {
	start := time.Now()
	toks := t.proc.Encode(text)
	ids := make([]int32, len(toks))
	for i, tok := range toks {
		ids[i] = int32(tok.ID)
	}
	metrics.RecordTokenizer("encode", len(ids), time.Since(start))
	return ids
}

func (t *tokenizer) decode(ids []int32) string {
	start := time.Now()
	in := make([]int, len(ids))
	for i, id := range ids {
		in[i] = int(id)
	}
	text := t.proc.Decode(in)
	metrics.RecordTokenizer("decode", len(ids), time.Since(start))
	return text
}

// parseIDs reads a comma separated token id list such as "1,2,3".
func parseIDs(s string) ([]int32, error) {
	var out []int32
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		v, err := strconv.ParseInt(f, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid token id %q: %w", f, err)
		}
		out = append(out, int32(v))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no token ids in %q", s)
	}
	return out, nil
}

// stripEnd drops everything from the first end token on.
func stripEnd(ids []int32, endID int32) []int32 {
	for i, id := range ids {
		if id == endID {
			return ids[:i]
		}
	}
	return ids
}
