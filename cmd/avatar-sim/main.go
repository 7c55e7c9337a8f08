package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/expression"
	"github.com/loqalabs/loqa-avatar/internal/face"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "validate":
			os.Exit(validateCommand(os.Args[2:]))
		case "version":
			fmt.Println(version)
			return
		}
	}
	os.Exit(runCommand(os.Args[1:]))
}

func runCommand(args []string) int {
	var opts simOptions
	fs := flag.NewFlagSet("avatar-sim", flag.ExitOnError)
	fs.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	fs.StringVar(&opts.audioPath, "audio", "", "WAV file to play through the virtual speaker")
	fs.StringVar(&opts.timelinePath, "timeline", "", "Viseme timeline JSON for -audio")
	fs.StringVar(&opts.emotion, "emotion", "", "Emotion to apply, as kind:confidence")
	fs.StringVar(&opts.text, "text", "", "Text to synthesize and speak")
	fs.StringVar(&opts.micPath, "mic", "", "WAV file replayed as microphone input")
	fs.StringVar(&opts.server, "server", "", "Router websocket URL, e.g. ws://localhost:8080/ws")
	fs.StringVar(&opts.session, "session", "", "Session id to bind on the server")
	fs.StringVar(&opts.channels, "channels", "", "Comma separated asset channels to resolve the mapping table against")
	fs.DurationVar(&opts.printEvery, "print-every", 100*time.Millisecond, "Interval between rig snapshots")
	fs.DurationVar(&opts.maxDuration, "duration", 30*time.Second, "Stop after this long")
	level := fs.String("log-level", "warn", "Log level")
	fs.Parse(args)

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(*level)}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := simulate(ctx, opts, os.Stdout, logger); err != nil {
		logger.Error("simulation failed", slog.String("error", err.Error()))
		return 1
	}
	return 0
}

func validateCommand(args []string) int {
	var (
		mappingPath string
		channels    string
	)
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	fs.StringVar(&mappingPath, "file", "", "Path to face mapping table (default: built-in table)")
	fs.StringVar(&channels, "channels", "", "Comma separated asset channels to resolve against")
	fs.Parse(args)

	missing, err := runValidate(mappingPath, splitList(channels))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if len(missing) > 0 {
		fmt.Printf("mapping valid; unresolved channels: %s\n", strings.Join(missing, ", "))
		return 0
	}
	fmt.Println("mapping valid")
	return 0
}

// runValidate loads a mapping table and reports the abstract channels that
// cannot be driven: expression channels the table has no entry for and, when
// asset channels are given, entries that resolve to none of them.
func runValidate(path string, channels []string) ([]string, error) {
	table, err := face.LoadTable(path)
	if err != nil {
		return nil, err
	}
	for name, candidates := range table.Channels {
		if len(candidates) == 0 {
			return nil, fmt.Errorf("channel %q has no candidates", name)
		}
	}

	seen := map[string]bool{}
	var missing []string
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			missing = append(missing, name)
		}
	}
	for _, ch := range expression.ExpressionChannels {
		if _, ok := table.Channels[ch]; !ok {
			add(ch)
		}
	}
	if len(channels) > 0 {
		for _, ch := range face.Resolve(table, channels).Missing() {
			add(ch)
		}
	}
	sort.Strings(missing)
	return missing, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	}
	return slog.LevelWarn
}
