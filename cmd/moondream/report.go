package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"github.com/devpramod/moondream/fs/ggml"
)

// printReport renders the same hyperparameters the original loader's
// diagnostic printf block did, as a table instead of raw printf lines.
func printReport(out io.Writer, path string, g *ggml.GGML) {
	kv := g.KV()

	table := tablewriter.NewWriter(out)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding(" ")

	// g.Length is the end of the tensor data section; step back over
	// every tensor's padded size to reach the section's start.
	align := uint64(kv.Uint("general.alignment", 32))
	if align == 0 {
		align = 32
	}
	dataOffset := uint64(g.Length)
	for _, t := range g.Tensors().Items() {
		size := t.Size()
		dataOffset -= size + (align-size%align)%align
	}

	indent := ""
	data := [][]string{
		{indent, "Architecture:", kv.Architecture()},
		{indent, "Alignment:", strconv.FormatUint(uint64(kv.Uint("general.alignment", 32)), 10)},
		{indent, "Data offset:", strconv.FormatUint(dataOffset, 10)},
		{indent, "Context length:", strconv.FormatUint(kv.ContextLength(), 10)},
		{indent, "Embedding length:", strconv.FormatUint(kv.EmbeddingLength(), 10)},
		{indent, "Block count:", strconv.FormatUint(kv.BlockCount(), 10)},
		{indent, "Feed forward length:", strconv.FormatUint(kv.FeedForwardLength(), 10)},
		{indent, "Head count:", strconv.FormatUint(kv.HeadCount(), 10)},
		{indent, "Head count kv:", strconv.FormatUint(kv.HeadCountKV(), 10)},
		{indent, "n_embd_head_k:", strconv.FormatUint(kv.EmbeddingHeadCountK(), 10)},
		{indent, "n_embd_head_v:", strconv.FormatUint(kv.EmbeddingHeadCountV(), 10)},
	}

	fmt.Fprintf(out, "Model (%s):\n", path)
	table.AppendBulk(data)
	table.Render()
}
