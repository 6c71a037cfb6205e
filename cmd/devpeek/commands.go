package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/njoerd114/devpeek/internal/adapter"
	"github.com/njoerd114/devpeek/internal/export"
	"github.com/njoerd114/devpeek/internal/format"
)

// runWatch mirrors state sources and storage until interrupted, logging
// every change.
func runWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	g := addGlobalFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := openApp(g, true)
	if err != nil {
		return err
	}
	defer a.close()

	reg, err := a.registry()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Log only the entries whose revision moved since the last notification.
	var seenMu sync.Mutex
	seen := map[string]uint64{}
	reg.OnChange(func() {
		seenMu.Lock()
		defer seenMu.Unlock()
		entries := reg.Entries()
		for name, e := range entries {
			if seen[name] == e.Revision {
				continue
			}
			seen[name] = e.Revision
			a.logger.Info("state changed", "adapter", name, "revision", e.Revision,
				"value", format.Truncate(format.Value(e.Value), format.DefaultWidth))
		}
		for name := range seen {
			if _, ok := entries[name]; !ok {
				delete(seen, name)
				a.logger.Info("state removed", "adapter", name)
			}
		}
	})
	a.mirror.OnChange(func() {
		items := a.mirror.Snapshot()
		size := 0
		for _, item := range items {
			size += format.ByteSize(item.Value)
		}
		a.logger.Info("storage changed", "items", len(items), "size", format.Bytes(size))
	})

	if err := a.mirror.Start(ctx); err != nil {
		return fmt.Errorf("starting storage mirror: %w", err)
	}
	defer a.mirror.Stop()

	a.logger.Info("watching", "adapters", len(a.cfg.Adapters), "storage", a.cfg.Storage.Path,
		"poll_interval", a.cfg.PollInterval)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGUSR1)
	defer signal.Stop(sigs)
	go handleSignals(ctx, a, reg, sigs)

	if err := reg.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("adapter registry: %w", err)
	}
	a.logger.Info("shutdown complete")
	return nil
}

// handleSignals serves the control signals of a running watch. SIGHUP
// re-reads every state source and both stores, bypassing the
// unchanged-value check. SIGUSR1 reloads the adapter list.
func handleSignals(ctx context.Context, a *app, reg *adapter.Registry, sigs <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			if sig == syscall.SIGUSR1 {
				if err := a.reloadAdapters(ctx, reg); err != nil {
					a.logger.Error("reloading adapters", "error", err)
					continue
				}
				a.logger.Info("adapters reloaded", "adapters", len(a.cfg.Adapters))
				continue
			}
			a.logger.Info("refreshing on SIGHUP")
			if err := reg.Refresh(ctx); err != nil {
				a.logger.Warn("refreshing state sources", "error", err)
			}
			if err := a.mirror.Refresh(ctx); err != nil {
				a.logger.Error("refreshing storage", "error", err)
			}
		}
	}
}

// runState reads every state source once and prints the result.
func runState(args []string) error {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	g := addGlobalFlags(fs)
	filter := fs.String("filter", "", "only show adapters whose name contains this text")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := openApp(g, false)
	if err != nil {
		return err
	}
	defer a.close()

	reg, err := a.registry()
	if err != nil {
		return err
	}
	ctx := context.Background()
	if err := reg.Start(ctx); err != nil {
		return err
	}
	reg.Stop()

	states := reg.States()
	names := adapter.FilterNames(reg.Names(), *filter)
	if len(names) == 0 {
		fmt.Println("No state sources.")
		return nil
	}
	for _, name := range names {
		fmt.Printf("%s: %s\n", name, format.Value(states[name]))
	}
	return nil
}

// runExport writes a snapshot of storage and state to a JSON file.
func runExport(args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	g := addGlobalFlags(fs)
	dir := fs.String("dir", ".", "directory to write the export to")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := openApp(g, false)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := context.Background()
	if err := a.mirror.Start(ctx); err != nil {
		return fmt.Errorf("reading storage: %w", err)
	}
	a.mirror.Stop()

	reg, err := a.registry()
	if err != nil {
		return err
	}
	if err := reg.Start(ctx); err != nil {
		return err
	}
	reg.Stop()

	now := time.Now()
	path, err := export.Write(*dir, export.Build(a.mirror.Snapshot(), reg.States(), now), now)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, path)
	return nil
}
