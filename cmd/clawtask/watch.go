package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/basket/clawtask/internal/config"
	"github.com/basket/clawtask/internal/health"
	"github.com/basket/clawtask/internal/persistence"
	"github.com/basket/clawtask/internal/tui"
)

const watchLimit = 50

func runWatchCommand(ctx context.Context, args []string, stderr io.Writer) int {
	fs := newFlagSet("watch", stderr)
	limit := fs.Int("limit", watchLimit, "maximum number of tasks shown")
	if code := parseFlags(fs, args); code >= 0 {
		return code
	}
	if !isTerminal(os.Stdout) {
		fmt.Fprintln(stderr, "watch needs a terminal; use `clawtask tasks` instead")
		return 2
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

	provider := boardProvider(store, cfg.HomeDir, *limit)
	canceller := gatewayCanceller(gatewayURL(cfg.BindAddr), cfg.AuthToken)
	if err := tui.Run(ctx, provider, canceller); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(stderr, "watch: %v\n", err)
		return 1
	}
	return 0
}

func boardProvider(store *persistence.TaskStore, homeDir string, limit int) tui.StatusProvider {
	return func() tui.Snapshot {
		snap := tui.Snapshot{At: time.Now()}
		snap.Tasks, snap.Err = store.List(persistence.ListFilter{Limit: limit})
		if h, err := health.ReadSnapshot(homeDir); err == nil {
			snap.Health = &h
		}
		return snap
	}
}

// gatewayCanceller cancels tasks through the running supervisor's API.
func gatewayCanceller(baseURL, token string) tui.Canceller {
	client := &http.Client{Timeout: 5 * time.Second}
	return func(id string) error {
		req, err := http.NewRequest(http.MethodPost, baseURL+"/api/tasks/"+id+"/cancel", nil)
		if err != nil {
			return err
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("gateway: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			return fmt.Errorf("gateway: %s", resp.Status)
		}
		return nil
	}
}
