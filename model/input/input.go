// Package input describes the shape of one forward-pass batch: the
// tokens (or precomputed embeddings) to run through the model, their
// positions and sequence ownership, and which of them the caller
// actually wants logits back for.
package input

import "github.com/devpramod/moondream/ml"

// Batch is one forward pass's worth of work. Exactly one of Tokens or
// Embeddings is set — a batch is either token ids to embed via the
// model's token embedding table, or embeddings computed elsewhere
// (e.g. by a vision encoder) to feed directly into the transformer
// stack. Positions and Sequences are parallel to whichever of the two
// is set. Outputs is required: rather than defaulting it to "last
// token only" when left empty, this core never infers it. A caller
// must say explicitly which batch-relative
// indices need logits, since getting this wrong silently changes which
// token's distribution comes back.
type Batch struct {
	// Tokens are the token ids to embed, one per position.
	Tokens []int32

	// Embeddings are precomputed input embeddings, flattened row-major
	// as len(Positions) rows of n_embd each.
	Embeddings []float32

	// Positions are the absolute position of each input in its
	// sequence, used for RoPE and for causal masking against cache
	// history.
	Positions []int32

	// Sequences assigns each input to a sequence id. The KV cache uses
	// this to keep unrelated sequences from attending to each other.
	Sequences []int

	// Outputs lists the batch-relative indices the caller wants
	// logits for. Never defaulted: empty Outputs means no output is
	// requested, not "the last token".
	Outputs []int32

	// Inputs is populated by the Forward driver, not by the caller: it
	// is Tokens (or Embeddings) materialized as a tensor in the
	// current graph.
	Inputs ml.Tensor
}

// Len is the number of inputs in the batch.
func (b Batch) Len() int {
	if len(b.Tokens) > 0 {
		return len(b.Tokens)
	}
	return len(b.Positions)
}
