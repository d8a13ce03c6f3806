package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/pflag"

	"github.com/basket/clawtask/internal/audit"
	"github.com/basket/clawtask/internal/background"
	"github.com/basket/clawtask/internal/bus"
	"github.com/basket/clawtask/internal/claudecli"
	"github.com/basket/clawtask/internal/config"
	"github.com/basket/clawtask/internal/persistence"
	"github.com/basket/clawtask/internal/shared"
	"github.com/basket/clawtask/internal/telemetry"
)

const cliChatID = "local"

func newFlagSet(name string, stderr io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

// parseFlags returns -1 to continue, or the exit code to return.
func parseFlags(fs *pflag.FlagSet, args []string) int {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	return -1
}

func runTasksCommand(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("tasks", stderr)
	status := fs.String("status", "", "only tasks with this status (running, done, error, stale, cancelled)")
	limit := fs.Int("limit", 20, "maximum number of tasks")
	asJSON := fs.Bool("json", false, "print JSON")
	if code := parseFlags(fs, args); code >= 0 {
		return code
	}

	filter := persistence.ListFilter{Limit: *limit}
	if *status != "" {
		st, err := persistence.ParseTaskStatus(*status)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 2
		}
		filter.Status = st
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config load: %v\n", err)
		return 1
	}
	store, err := persistence.NewTaskStore(cfg.TaskDir)
	if err != nil {
		fmt.Fprintf(stderr, "open task store: %v\n", err)
		return 1
	}
	recs, err := store.List(filter)
	if err != nil {
		fmt.Fprintf(stderr, "list tasks: %v\n", err)
		return 1
	}

	if *asJSON {
		if recs == nil {
			recs = []persistence.TaskRecord{}
		}
		return encodeJSON(stdout, stderr, recs)
	}
	if len(recs) == 0 {
		fmt.Fprintln(stdout, "No background tasks.")
		return 0
	}
	for _, r := range recs {
		fmt.Fprintf(stdout, "%-8s  %-9s  %s  %-10s  %s\n",
			r.ID, r.Status, r.Started().Local().Format("2006-01-02 15:04"), r.Channel,
			shared.Truncate(strings.Join(strings.Fields(r.PromptPreview), " "), 60, "…"))
		if r.LastActivity != "" && r.Status == persistence.TaskStatusRunning {
			fmt.Fprintf(stdout, "          ↳ %s\n", r.LastActivity)
		}
	}
	return 0
}

// writerPublisher prints outbound messages for a foreground run.
type writerPublisher struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *writerPublisher) PublishOutbound(msg bus.OutboundMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, msg.Content)
}

func runRunCommand(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := newFlagSet("run", stderr)
	model := fs.String("model", "", "model to use (default from config)")
	if code := parseFlags(fs, args); code >= 0 {
		return code
	}
	prompt, err := promptFrom(fs.Args(), stdin)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config load: %v\n", err)
		return 1
	}
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, telemetry.ParseLevel(cfg.LogLevel), true)
	if err != nil {
		fmt.Fprintf(stderr, "logger init: %v\n", err)
		return 1
	}
	defer closer.Close()

	opts := []persistence.TaskStoreOption{persistence.WithLogger(logger)}
	if auditLog, err := audit.Open(cfg.HomeDir); err != nil {
		logger.Warn("audit log unavailable", "error", err)
	} else {
		defer auditLog.Close()
		opts = append(opts, persistence.WithObserver(auditLog.Observe))
	}
	store, err := persistence.NewTaskStore(cfg.TaskDir, opts...)
	if err != nil {
		fmt.Fprintf(stderr, "open task store: %v\n", err)
		return 1
	}

	rec, err := store.Create(background.ChannelCLI, cliChatID, prompt)
	if err != nil {
		fmt.Fprintf(stderr, "create task: %v\n", err)
		return 1
	}
	fmt.Fprintf(stderr, "task %s started\n", rec.ID)

	client := newClient(cfg, logger)
	resolved := claudecli.ResolveModel(*model, cfg.Agent.Model)
	runner := &background.Runner{
		Store:            store,
		Publisher:        &writerPublisher{w: stdout},
		Interval:         cfg.StatusInterval(),
		ActivityMaxChars: cfg.ActivityMaxChars,
		Logger:           logger,
	}
	runErr := runner.Run(ctx, background.Job{
		TaskID:  rec.ID,
		Channel: background.ChannelCLI,
		ChatID:  cliChatID,
		Stream: func(ctx context.Context) iter.Seq2[claudecli.Event, error] {
			return client.Stream(ctx, prompt, resolved)
		},
	})
	if runErr != nil {
		return 130
	}
	final, err := store.Get(rec.ID)
	if err != nil || final.Status != persistence.TaskStatusDone {
		return 1
	}
	return 0
}

func runAskCommand(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := newFlagSet("ask", stderr)
	model := fs.String("model", "", "model to use (default from config)")
	asJSON := fs.Bool("json", false, "print the full response as JSON")
	if code := parseFlags(fs, args); code >= 0 {
		return code
	}
	prompt, err := promptFrom(fs.Args(), stdin)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config load: %v\n", err)
		return 1
	}
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, telemetry.ParseLevel(cfg.LogLevel), true)
	if err != nil {
		fmt.Fprintf(stderr, "logger init: %v\n", err)
		return 1
	}
	defer closer.Close()

	resp, err := newClient(cfg, logger).Run(ctx, prompt, *model)
	if err != nil {
		fmt.Fprintf(stderr, "ask: %v\n", err)
		return 1
	}
	if *asJSON {
		return encodeJSON(stdout, stderr, resp)
	}
	fmt.Fprintln(stdout, resp.Text)
	return 0
}

func runHistoryCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("history", stderr)
	limit := fs.Int("limit", 20, "maximum number of transitions")
	asJSON := fs.Bool("json", false, "print JSON")
	if code := parseFlags(fs, args); code >= 0 {
		return code
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config load: %v\n", err)
		return 1
	}
	log, err := audit.Open(cfg.HomeDir)
	if err != nil {
		fmt.Fprintf(stderr, "open audit log: %v\n", err)
		return 1
	}
	defer log.Close()

	entries, err := log.Recent(ctx, *limit)
	if err != nil {
		fmt.Fprintf(stderr, "read audit log: %v\n", err)
		return 1
	}
	if *asJSON {
		if entries == nil {
			entries = []audit.Entry{}
		}
		return encodeJSON(stdout, stderr, entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(stdout, "No task history.")
		return 0
	}
	for _, e := range entries {
		from := e.From
		if from == "" {
			from = "∅"
		}
		fmt.Fprintf(stdout, "%s  %-8s  %s → %-9s  %s/%s  %s\n",
			e.At.Local().Format(time.DateTime), e.TaskID, from, e.To, e.Channel, e.ChatID,
			shared.Truncate(e.PromptPreview, 40, "…"))
	}
	return 0
}

func newClient(cfg config.Config, logger *slog.Logger) *claudecli.Client {
	return claudecli.New(claudecli.Config{
		Binary:        cfg.Agent.Binary,
		DefaultModel:  cfg.Agent.Model,
		StreamTimeout: cfg.Agent.StreamTimeout(),
		Timeout:       cfg.Agent.Timeout(),
		PollInterval:  cfg.Agent.PollInterval(),
		ExtraArgs:     cfg.Agent.ExtraArgs,
		Env:           cfg.Agent.Env,
		WorkDir:       cfg.Agent.WorkDir,
		Logger:        logger,
	})
}

// promptFrom joins args, or reads stdin when no args are given and stdin is
// not a terminal.
func promptFrom(args []string, stdin io.Reader) (string, error) {
	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt == "" && stdin != nil && !isTerminal(stdin) {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read prompt from stdin: %w", err)
		}
		prompt = strings.TrimSpace(string(b))
	}
	if prompt == "" {
		return "", errors.New("a prompt is required (as arguments or on stdin)")
	}
	return prompt, nil
}

func isTerminal(r any) bool {
	f, ok := r.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

func encodeJSON(stdout, stderr io.Writer, v any) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(stderr, "encode json: %v\n", err)
		return 1
	}
	return 0
}
