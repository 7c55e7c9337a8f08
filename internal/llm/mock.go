package llm

import (
	"context"
	"strings"
	"time"
)

const mockChunkDelay = 5 * time.Millisecond

type mockGenerator struct{}

// NewMockGenerator echoes the prompt back, streamed one word per chunk.
func NewMockGenerator() Generator { return &mockGenerator{} }

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	words := strings.Fields("You said: " + req.Prompt())
	for i, w := range words {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(mockChunkDelay):
		}
		last := i == len(words)-1
		if !last {
			w += " "
		}
		chunk := Chunk{SessionID: req.SessionID, Content: w, Partial: !last}
		if last {
			chunk.CompletionTokens = len(words)
		}
		if err := consumer(chunk); err != nil {
			return err
		}
	}
	return nil
}
