// Package doctor runs the environment checks behind "clawtask doctor".
package doctor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/clawtask/internal/audit"
	"github.com/basket/clawtask/internal/config"
	"github.com/basket/clawtask/internal/health"
	"github.com/basket/clawtask/internal/persistence"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"

	anthropicHost = "api.anthropic.com"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

var (
	lookPath   = exec.LookPath
	runVersion = func(ctx context.Context, binary string) (string, error) {
		out, err := exec.CommandContext(ctx, binary, "--version").CombinedOutput()
		return strings.TrimSpace(string(out)), err
	}
	lookupHost = net.DefaultResolver.LookupHost
)

// Run executes all diagnostic checks. cfg may be nil when loading failed.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkClaudeBinary,
		checkTaskDir,
		checkAuditDB,
		checkHealth,
		checkTelegram,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if err := cfg.Validate(); err != nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration invalid", Detail: err.Error()}
	}
	if _, err := os.Stat(config.ConfigPath(cfg.HomeDir)); os.IsNotExist(err) {
		return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Defaults in use (no config.yaml in %s)", cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkClaudeBinary(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Claude CLI", Status: StatusSkip, Message: "Config missing"}
	}
	binary := cfg.Agent.Binary
	path, err := lookPath(binary)
	if err != nil {
		return CheckResult{
			Name:    "Claude CLI",
			Status:  StatusFail,
			Message: fmt.Sprintf("%q not found on PATH", binary),
			Detail:  "Install the claude CLI or set agent.binary / CLAUDE_BINARY",
		}
	}

	vctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	out, err := runVersion(vctx, path)
	if err != nil {
		return CheckResult{Name: "Claude CLI", Status: StatusWarn, Message: fmt.Sprintf("%s --version failed: %v", path, err), Detail: out}
	}
	return CheckResult{Name: "Claude CLI", Status: StatusPass, Message: out, Detail: path}
}

func checkTaskDir(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Task Store", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.NewTaskStore(cfg.TaskDir)
	if err != nil {
		return CheckResult{Name: "Task Store", Status: StatusFail, Message: fmt.Sprintf("Cannot open %s: %v", cfg.TaskDir, err)}
	}

	testFile := filepath.Join(cfg.TaskDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Task Store", Status: StatusFail, Message: fmt.Sprintf("Task dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)

	running, err := store.List(persistence.ListFilter{Status: persistence.TaskStatusRunning})
	if err != nil {
		return CheckResult{Name: "Task Store", Status: StatusWarn, Message: fmt.Sprintf("List failed: %v", err)}
	}
	return CheckResult{
		Name:    "Task Store",
		Status:  StatusPass,
		Message: fmt.Sprintf("%s writable, %d task(s) marked running", cfg.TaskDir, len(running)),
	}
}

func checkAuditDB(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Audit DB", Status: StatusSkip, Message: "Config missing"}
	}
	log, err := audit.Open(cfg.HomeDir)
	if err != nil {
		return CheckResult{Name: "Audit DB", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer log.Close()

	if _, err := log.Recent(ctx, 1); err != nil {
		return CheckResult{Name: "Audit DB", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Audit DB", Status: StatusPass, Message: "Connection and schema valid", Detail: audit.DBPath(cfg.HomeDir)}
}

func checkHealth(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Health", Status: StatusSkip, Message: "Config missing"}
	}
	snap, err := health.ReadSnapshot(cfg.HomeDir)
	if errors.Is(err, fs.ErrNotExist) {
		return CheckResult{Name: "Health", Status: StatusSkip, Message: "No health.json (supervisor never ran)"}
	}
	if err != nil {
		return CheckResult{Name: "Health", Status: StatusWarn, Message: fmt.Sprintf("Unreadable health.json: %v", err)}
	}
	age := time.Since(snap.Timestamp).Truncate(time.Second)
	if snap.Stale {
		return CheckResult{
			Name:    "Health",
			Status:  StatusWarn,
			Message: fmt.Sprintf("Stale: %d running task(s) without activity", len(snap.Tasks.Running)),
			Detail:  fmt.Sprintf("written %s ago", age),
		}
	}
	return CheckResult{Name: "Health", Status: StatusPass, Message: fmt.Sprintf("Last snapshot %s ago", age)}
}

func checkTelegram(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Channels.Telegram.Enabled {
		return CheckResult{Name: "Telegram", Status: StatusSkip, Message: "Channel disabled"}
	}
	if strings.TrimSpace(cfg.Channels.Telegram.Token) == "" {
		return CheckResult{
			Name:    "Telegram",
			Status:  StatusFail,
			Message: "Enabled but token missing",
			Detail:  "Set channels.telegram.token or TELEGRAM_TOKEN",
		}
	}
	if len(cfg.Channels.Telegram.AllowedIDs) == 0 {
		return CheckResult{Name: "Telegram", Status: StatusWarn, Message: "No allowed_ids configured; every chat can submit tasks"}
	}
	return CheckResult{Name: "Telegram", Status: StatusPass, Message: fmt.Sprintf("%d allowed chat(s)", len(cfg.Channels.Telegram.AllowedIDs))}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Config missing"}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := lookupHost(lookupCtx, anthropicHost)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", anthropicHost, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "Network",
		Status:  StatusPass,
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", anthropicHost, len(addrs), latency.Milliseconds()),
	}
}
