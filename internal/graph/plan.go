package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/vmihailenco/msgpack"

	"github.com/23skdu/longbow-glm/internal/errs"
)

// Node is one declared op. Only static attributes are recorded so a plan
// traced at any batch size compares equal.
type Node struct {
	Name   string            `msgpack:"name"`
	Op     string            `msgpack:"op"`
	Params [][]int           `msgpack:"params,omitempty"`
	Attrs  map[string]string `msgpack:"attrs,omitempty"`
}

func (n Node) key() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s|%v|", n.Name, n.Op, n.Params)
	keys := make([]string, 0, len(n.Attrs))
	for k := range n.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s;", k, n.Attrs[k])
	}
	return b.String()
}

// Plan is the compiled, order-independent form of a traced graph.
type Plan struct {
	Model     string `msgpack:"model"`
	Nodes     []Node `msgpack:"nodes"`
	Signature string `msgpack:"signature"`
}

func newPlan(model string, nodes []Node) *Plan {
	sorted := append([]Node(nil), nodes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	return &Plan{Model: model, Nodes: sorted, Signature: signature(model, sorted)}
}

func signature(model string, sorted []Node) string {
	h := sha256.New()
	io.WriteString(h, model)
	for _, n := range sorted {
		io.WriteString(h, "\n")
		io.WriteString(h, n.key())
	}
	return hex.EncodeToString(h.Sum(nil))
}

// OpCounts returns the number of nodes per op kind.
func (p *Plan) OpCounts() map[string]int {
	out := make(map[string]int)
	for _, n := range p.Nodes {
		out[n.Op]++
	}
	return out
}

// Verify recomputes the signature and compares it with other.
func (p *Plan) Verify(other *Plan) error {
	if got := signature(p.Model, p.Nodes); got != p.Signature {
		return errs.Configf("graph.Plan.Verify", "plan signature corrupted")
	}
	if other == nil || p.Signature != other.Signature {
		return errs.Configf("graph.Plan.Verify", "graph plan does not match the engine (%d nodes vs %d)", len(p.Nodes), nodeCount(other))
	}
	return nil
}

func nodeCount(p *Plan) int {
	if p == nil {
		return 0
	}
	return len(p.Nodes)
}

func (p *Plan) Encode(w io.Writer) error {
	if err := msgpack.NewEncoder(w).Encode(p); err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	return nil
}

func DecodePlan(r io.Reader) (*Plan, error) {
	var p Plan
	if err := msgpack.NewDecoder(r).Decode(&p); err != nil {
		return nil, errs.Configf("graph.DecodePlan", "malformed plan: %v", err)
	}
	if got := signature(p.Model, p.Nodes); got != p.Signature {
		return nil, errs.Configf("graph.DecodePlan", "plan signature mismatch")
	}
	return &p, nil
}
