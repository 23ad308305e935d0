// Package analysis defines the contract with the external source-analysis
// engine. The engine parses and type-checks documents; this core only reacts
// to the resolved results it publishes.
package analysis

import "context"

// ResolvedResult is a fully analyzed snapshot of one document. A newer
// result for the same path supersedes the older one wholesale.
type ResolvedResult struct {
	// Path is the stable identifier of the document.
	Path string

	// Source is the full source text the analysis was computed from.
	Source string

	// Lines translates between line/column positions and byte offsets
	// within Source.
	Lines *LineIndex

	// Exists is false for results describing deleted or unparsable
	// documents; the pipeline ignores those.
	Exists bool

	// Unit is the engine's resolved compilation unit. Opaque to this core;
	// linters downcast it to whatever their engine produces.
	Unit any
}

// Engine is the subscription surface of the source-analysis engine. For each
// context root the engine emits a stream of resolved results as documents
// change.
type Engine interface {
	// Subscribe starts analysis for the given root directory and returns a
	// channel of resolved results. The channel closes when ctx is cancelled
	// or the root is removed.
	Subscribe(ctx context.Context, root string) (<-chan *ResolvedResult, error)
}
