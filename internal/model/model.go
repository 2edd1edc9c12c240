// Package model defines the gateway's contract with the response-generating
// backend. The gateway never talks to a model directly; it consumes a finite
// lazy sequence of text chunks through ModelClient.
package model

import (
	"context"
	"io"
)

// Stream yields the chunks of one model response. Next returns io.EOF after
// the final chunk. Implementations must honor ctx cancellation at every call.
type Stream interface {
	Next(ctx context.Context) (string, error)
}

// ModelClient produces a chunk stream for a prompt.
type ModelClient interface {
	Stream(ctx context.Context, prompt string) (Stream, error)
}

// SyntheticClient chunks the prompt itself by a fixed size. It backs
// synthetic streams: the concatenation of the emitted chunks equals the
// prompt exactly.
type SyntheticClient struct {
	ChunkSize int
}

func NewSyntheticClient(chunkSize int) *SyntheticClient {
	if chunkSize < 1 {
		chunkSize = 8
	}
	return &SyntheticClient{ChunkSize: chunkSize}
}

func (c *SyntheticClient) Stream(ctx context.Context, prompt string) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &syntheticStream{text: prompt, size: c.ChunkSize}, nil
}

type syntheticStream struct {
	text string
	size int
	pos  int
}

func (s *syntheticStream) Next(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.pos >= len(s.text) {
		return "", io.EOF
	}
	end := s.pos + s.size
	if end > len(s.text) {
		end = len(s.text)
	}
	chunk := s.text[s.pos:end]
	s.pos = end
	return chunk, nil
}
