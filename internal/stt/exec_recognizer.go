package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/audio"
	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/mattn/go-shellwords"
)

type execRecognizer struct {
	cmd []string
	cfg config.STTConfig
	mu  sync.Mutex
}

type execResult struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

func NewExecRecognizer(cfg config.STTConfig) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execRecognizer{cmd: args, cfg: cfg}, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, blob []byte) (Transcript, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	if len(blob) == 0 {
		return Transcript{}, fail("exec", errors.New("empty audio"))
	}
	if !audio.IsWAV(blob) {
		// Raw PCM is wrapped at the recorder's default format.
		wav, err := audio.EncodeWAV(blob, audio.Format{SampleRate: 16000, Channels: 1})
		if err != nil {
			return Transcript{}, fail("exec", err)
		}
		blob = wav
	}

	file, err := os.CreateTemp("", "loqa_stt_*.wav")
	if err != nil {
		return Transcript{}, fail("exec", fmt.Errorf("temp file: %w", err))
	}
	defer os.Remove(file.Name())
	if _, err := file.Write(blob); err != nil {
		file.Close()
		return Transcript{}, fail("exec", fmt.Errorf("write temp file: %w", err))
	}
	if err := file.Close(); err != nil {
		return Transcript{}, fail("exec", err)
	}

	cmdArgs := append([]string{}, r.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if r.cfg.ModelPath != "" {
		cmdArgs = append(cmdArgs, "--model", r.cfg.ModelPath)
	}
	if r.cfg.Language != "" {
		cmdArgs = append(cmdArgs, "--language", r.cfg.Language)
	}

	command := exec.CommandContext(ctx, r.cmd[0], cmdArgs...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return Transcript{}, fail("exec", fmt.Errorf("command failed: %w: %s", err, stderr.String()))
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Transcript{}, fail("exec", fmt.Errorf("decode response: %w", err))
	}
	lang := resp.Language
	if lang == "" {
		lang = r.cfg.Language
	}
	return Transcript{Text: resp.Text, Language: lang, Latency: time.Since(start)}, nil
}
