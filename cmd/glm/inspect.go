package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-glm/internal/config"
	"github.com/23skdu/longbow-glm/internal/engine"
	"github.com/23skdu/longbow-glm/internal/graph"
	"github.com/23skdu/longbow-glm/internal/model"
)

func inspectCmd() *cli.Command {
	var (
		engineDir string
		showPlan  bool
	)
	return &cli.Command{
		Name:  "inspect",
		Usage: "Print an engine's descriptor, input contract and plan summary",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "engine-dir", Required: true, Destination: &engineDir},
			&cli.BoolFlag{Name: "plan", Usage: "also list op counts of the compiled plan", Destination: &showPlan},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return inspectEngine(os.Stdout, engineDir, showPlan)
		},
	}
}

func inspectEngine(w io.Writer, dir string, showPlan bool) error {
	desc, err := config.LoadDescriptor(filepath.Join(dir, config.DescriptorFile))
	if err != nil {
		return err
	}
	spec, err := desc.ToSpec()
	if err != nil {
		return err
	}
	limits := desc.Limits()

	fmt.Fprintf(w, "Model: %s\n", spec)
	table := newTable(w, "SETTING", "VALUE")
	for _, row := range [][2]string{
		{"variant.norm", spec.Variant.Norm.String()},
		{"variant.mask", spec.Variant.Mask.String()},
		{"variant.position", spec.Variant.Position.String()},
		{"variant.activation", spec.Variant.Activation.String()},
		{"max_batch_size", strconv.Itoa(limits.MaxBatchSize)},
		{"max_beam_width", strconv.Itoa(limits.MaxBeamWidth)},
		{"max_input_len", strconv.Itoa(limits.MaxInputLen)},
		{"max_output_len", strconv.Itoa(limits.MaxNewTokens)},
		{"paged_kv_cache", strconv.FormatBool(limits.PagedKVCache)},
		{"remove_input_padding", strconv.FormatBool(limits.RemoveInputPadding)},
		{"tokens_per_block", strconv.Itoa(spec.TokensPerBlock)},
	} {
		table.Append(row[:])
	}
	for r := 0; r < spec.TensorParallel; r++ {
		name := fmt.Sprintf("rank%d.weights.arrow", r)
		size := "missing"
		if st, err := os.Stat(filepath.Join(dir, name)); err == nil {
			size = humanize.Bytes(uint64(st.Size()))
		}
		table.Append([]string{name, size})
	}
	table.Render()

	planner, err := model.NewInputShapePlanner(spec, limits)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "\nInputs:")
	inputs := newTable(w, "NAME", "SHAPE", "DTYPE")
	for _, in := range planner.Inputs() {
		inputs.Append([]string{in.Name, fmt.Sprint(in.Shape), in.DType.String()})
	}
	inputs.Render()

	if !showPlan {
		return nil
	}
	f, err := os.Open(filepath.Join(dir, engine.PlanFile))
	if err != nil {
		return fmt.Errorf("open plan: %w", err)
	}
	defer f.Close()
	plan, err := graph.DecodePlan(f)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "\nPlan %s (%d nodes, signature %s)\n", plan.Model, len(plan.Nodes), plan.Signature[:12])
	counts := plan.OpCounts()
	ops := make([]string, 0, len(counts))
	for op := range counts {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	opTable := newTable(w, "OP", "COUNT")
	for _, op := range ops {
		opTable.Append([]string{op, strconv.Itoa(counts[op])})
	}
	opTable.Render()
	return nil
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	t := tablewriter.NewWriter(w)
	t.SetHeader(header)
	t.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	t.SetBorder(false)
	return t
}
