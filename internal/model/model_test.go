package model

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func drain(t *testing.T, s Stream) []string {
	t.Helper()
	var chunks []string
	for {
		chunk, err := s.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return chunks
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		chunks = append(chunks, chunk)
	}
}

func TestSyntheticStreamRoundTrip(t *testing.T) {
	client := NewSyntheticClient(4)
	prompt := "hello streaming world"

	s, err := client.Stream(context.Background(), prompt)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	chunks := drain(t, s)

	if got := strings.Join(chunks, ""); got != prompt {
		t.Errorf("reassembled = %q, want %q", got, prompt)
	}
	for i, c := range chunks[:len(chunks)-1] {
		if len(c) != 4 {
			t.Errorf("chunk %d has len %d, want 4", i, len(c))
		}
	}
}

func TestSyntheticStreamEmptyPrompt(t *testing.T) {
	s, err := NewSyntheticClient(8).Stream(context.Background(), "")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if _, err := s.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("err = %v, want EOF", err)
	}
}

func TestSyntheticStreamCancel(t *testing.T) {
	s, err := NewSyntheticClient(2).Stream(context.Background(), "abcdef")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestChunkSizeFloor(t *testing.T) {
	if c := NewSyntheticClient(0); c.ChunkSize != 8 {
		t.Errorf("ChunkSize = %d, want default 8", c.ChunkSize)
	}
}
