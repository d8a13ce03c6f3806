package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Usage: clawtask [command] [flags]

SUPERVISOR:
  clawtask [serve]            Run the supervisor: chat channels, gateway, cron,
                              background tasks (default command)

TASKS:
  clawtask tasks              List recent background tasks
                              Flags: --status <s>, --limit <n>, --json
  clawtask run <prompt>       Run one task in the foreground, printing progress
                              Flags: --model <m>
  clawtask ask <prompt>       One-shot blocking call, prints the answer
                              Flags: --model <m>, --json
  clawtask history            Show recent task transitions from the audit log
                              Flags: --limit <n>, --json
  clawtask watch              Live task board (terminal only)

DIAGNOSTICS:
  clawtask status             Show supervisor health (/healthz, falls back to health.json)
  clawtask doctor [--json]    Run environment checks
  clawtask version            Print the version

ENVIRONMENT VARIABLES:
  CLAWTASK_HOME               Data directory (default: ~/.clawtask)
  CLAWTASK_MODEL              Default model
  CLAWTASK_BIND_ADDR          Gateway listen address
  CLAWTASK_AUTH_TOKEN         Gateway bearer token
  CLAUDE_BINARY               Path to the claude CLI
  TELEGRAM_TOKEN              Telegram bot token
`)
}

func main() {
	loadDotEnv(".env")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, args := splitCommand(os.Args[1:])
	code := dispatch(ctx, cmd, args)
	stop()
	os.Exit(code)
}

// splitCommand returns the subcommand and its arguments. Leading flags mean
// the default serve command.
func splitCommand(args []string) (string, []string) {
	if len(args) == 0 || (strings.HasPrefix(args[0], "-") && !isHelpArg(args[0])) {
		return "serve", args
	}
	return strings.ToLower(strings.TrimSpace(args[0])), args[1:]
}

func dispatch(ctx context.Context, cmd string, args []string) int {
	switch cmd {
	case "serve":
		return runServe(ctx, args)
	case "tasks":
		return runTasksCommand(args, os.Stdout, os.Stderr)
	case "run":
		return runRunCommand(ctx, args, os.Stdin, os.Stdout, os.Stderr)
	case "ask":
		return runAskCommand(ctx, args, os.Stdin, os.Stdout, os.Stderr)
	case "history":
		return runHistoryCommand(ctx, args, os.Stdout, os.Stderr)
	case "watch":
		return runWatchCommand(ctx, args, os.Stderr)
	case "status":
		return runStatusCommand(ctx, args, os.Stdout, os.Stderr)
	case "doctor":
		return runDoctorCommand(ctx, args, os.Stdout, os.Stderr)
	case "version":
		fmt.Println("clawtask " + Version)
		return 0
	case "help", "-h", "--help":
		printUsage(os.Stdout)
		return 0
	}
	fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
	printUsage(os.Stderr)
	return 2
}

func isHelpArg(raw string) bool {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case "-h", "--help", "help":
		return true
	}
	return false
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"time":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	// Try lsof to identify the occupying process (macOS/Linux).
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	cmd := execCommandFunc(name, args...)
	out, err := cmd.Output()
	return string(out), err
}

var execCommandFunc = newExecCommand

func newExecCommand(name string, args ...string) *exec.Cmd {
	return exec.Command(name, args...)
}

// loadDotEnv sets variables from path that are not already in the environment.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.Trim(strings.TrimSpace(line[eq+1:]), `"'`)
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
