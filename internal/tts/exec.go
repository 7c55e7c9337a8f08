package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
)

type execSynth struct {
	cmd        []string
	sampleRate int
	channels   int
	mu         sync.Mutex
}

type execRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

// NewExecSynth runs command per request. The request is written to stdin as
// JSON; stdout is one or more JSON lines whose audio is concatenated.
func NewExecSynth(command string, sampleRate, channels int) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execSynth{cmd: args, sampleRate: sampleRate, channels: channels}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req Request) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	data, err := json.Marshal(execRequest{
		Text:       req.Text,
		Voice:      req.VoiceID,
		SampleRate: e.sampleRate,
		Channels:   e.channels,
	})
	if err != nil {
		return Result{}, err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(data)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return Result{}, fmt.Errorf("tts command failed: %w: %s", err, stderr.String())
	}

	var merged Result
	scanner := bufio.NewScanner(&stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			return Result{}, fmt.Errorf("decode tts response: %w", err)
		}
		part, err := resp.result(e.sampleRate, e.channels)
		if err != nil {
			return Result{}, err
		}
		merged.Audio = append(merged.Audio, part.Audio...)
		merged.Visemes = append(merged.Visemes, part.Visemes...)
		merged.SampleRate, merged.Channels = part.SampleRate, part.Channels
		if part.URL != "" {
			merged.URL = part.URL
		}
		if resp.Final {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return Result{}, err
	}
	if len(merged.Audio) == 0 && merged.URL == "" {
		return Result{}, fmt.Errorf("tts command produced no audio")
	}
	return merged, nil
}
