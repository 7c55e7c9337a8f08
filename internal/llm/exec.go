package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"

	"github.com/mattn/go-shellwords"
)

type execGenerator struct {
	argv []string
}

type execRequest struct {
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

type execLine struct {
	Content          string `json:"content"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
}

// NewExecGenerator runs command once per request with the conversation as
// JSON on stdin. Each stdout line is a JSON object {content, prompt_tokens,
// completion_tokens}; the last line closes the stream.
func NewExecGenerator(command string) (Generator, error) {
	argv, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse llm command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("llm command empty")
	}
	return &execGenerator{argv: argv}, nil
}

func (g *execGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	input, err := json.Marshal(execRequest{
		System:      req.System,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, g.argv[0], g.argv[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("llm command failed: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}

	var lines []execLine
	sc := bufio.NewScanner(bytes.NewReader(output))
	for sc.Scan() {
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var line execLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return fmt.Errorf("decode llm command output: %w", err)
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return err
	}
	if len(lines) == 0 {
		return errors.New("llm command produced no output")
	}

	for i, line := range lines {
		err := consumer(Chunk{
			SessionID:        req.SessionID,
			Content:          line.Content,
			Partial:          i < len(lines)-1,
			PromptTokens:     line.PromptTokens,
			CompletionTokens: line.CompletionTokens,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
