// devpeek inspects the live state of an application while it runs: named
// state sources (JSON/YAML files, HTTP endpoints, Home Assistant todo
// entities) and a persistent plus a session key-value store.
//
// Usage:
//
//	devpeek watch [-config <path>]          # mirror everything, log every change;
//	                                        # SIGHUP re-reads everything,
//	                                        # SIGUSR1 reloads the adapter list
//	devpeek state [-filter <text>]          # read every state source once
//	devpeek storage list [-filter] [-where] [-kind]
//	devpeek storage get|set|rm|clear|copy   # inspect or edit a single item
//	devpeek export [-dir <path>]            # write a JSON snapshot
//	devpeek version                         # print version
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/njoerd114/devpeek/internal/adapter"
	"github.com/njoerd114/devpeek/internal/config"
	"github.com/njoerd114/devpeek/internal/homeassistant"
	"github.com/njoerd114/devpeek/internal/model"
	"github.com/njoerd114/devpeek/internal/sources"
	"github.com/njoerd114/devpeek/internal/sqlitestore"
	"github.com/njoerd114/devpeek/internal/storage"
	"github.com/njoerd114/devpeek/internal/telemetry"
	"github.com/njoerd114/devpeek/internal/watch"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// run dispatches to the appropriate subcommand.
func run(args []string) error {
	if len(args) < 1 {
		printUsage()
		return nil
	}

	switch args[0] {
	case "watch":
		return runWatch(args[1:])
	case "state":
		return runState(args[1:])
	case "storage":
		return runStorage(args[1:])
	case "export":
		return runExport(args[1:])
	case "version":
		fmt.Println("devpeek", version)
		return nil
	case "help", "-h", "--help":
		printUsage()
		return nil
	}
	return fmt.Errorf("unknown command %q, run 'devpeek help' for usage", args[0])
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "devpeek - inspect application state and storage")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  devpeek watch                       Mirror state and storage, log every change")
	fmt.Fprintln(os.Stderr, "  devpeek state [-filter text]        Read every state source once")
	fmt.Fprintln(os.Stderr, "  devpeek storage list                List storage items")
	fmt.Fprintln(os.Stderr, "  devpeek storage get <key>           Print one item")
	fmt.Fprintln(os.Stderr, "  devpeek storage set <key> <value>   Write one item")
	fmt.Fprintln(os.Stderr, "  devpeek storage rm <key>            Remove one item")
	fmt.Fprintln(os.Stderr, "  devpeek storage clear -kind <kind>  Remove every item of one kind")
	fmt.Fprintln(os.Stderr, "  devpeek storage copy <key>          Copy a value to the clipboard")
	fmt.Fprintln(os.Stderr, "  devpeek export [-dir path]          Write a JSON snapshot")
	fmt.Fprintln(os.Stderr, "  devpeek version                     Print version")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Every command accepts -config <path> and -verbose.")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "watch starts a session and prints its id. Export it as DEVPEEK_SESSION")
	fmt.Fprintln(os.Stderr, "to read and write that session's store from other commands. Send")
	fmt.Fprintln(os.Stderr, "SIGHUP to a running watch to re-read every source and store, or SIGUSR1")
	fmt.Fprintln(os.Stderr, "to reload the adapter list from the config file.")
}

// --- Shared setup ------------------------------------------------------------

// globalFlags are accepted by every subcommand.
type globalFlags struct {
	config  string
	verbose bool
}

func addGlobalFlags(fs *flag.FlagSet) *globalFlags {
	g := &globalFlags{}
	defaultCfg, _ := config.DefaultPath()
	fs.StringVar(&g.config, "config", defaultCfg, "path to config.yaml")
	fs.BoolVar(&g.verbose, "verbose", false, "enable debug logging")
	return g
}

// app holds the wired components of one invocation.
type app struct {
	cfg       *config.Config
	cfgPath   string
	logger    *slog.Logger
	store     *sqlitestore.Store
	session   *sqlitestore.Store // nil without a watch session
	sessionID string
	bus       *storage.Bus
	mirror    *storage.Mirror
	ha        *homeassistant.Client

	closers []func()
}

// openApp loads config, configures logging and telemetry, and opens the
// persistent and session stores. watchStore starts a watch session when none
// is attached and subscribes the mirror to writes made by other processes.
func openApp(g *globalFlags, watchStore bool) (*app, error) {
	cfg, err := config.LoadOrDefault(g.config)
	if err != nil {
		return nil, fmt.Errorf("loading config from %q: %w", g.config, err)
	}

	level := cfg.Level()
	if g.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	a := &app{cfg: cfg, cfgPath: g.config, logger: logger}

	if cfg.Telemetry != nil {
		shutdownTel, err := telemetry.Setup(context.Background(), telemetry.Config{
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			Insecure:     cfg.Telemetry.Insecure,
			ServiceName:  cfg.Telemetry.ServiceName,
			Headers:      cfg.Telemetry.Headers,
		})
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger.Debug("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			a.closers = append(a.closers, func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			})
		}
	}

	store, err := sqlitestore.Open(cfg.Storage.Path, cfg.Storage.Driver)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("opening storage at %q: %w", cfg.Storage.Path, err)
	}
	a.store = store
	a.closers = append(a.closers, a.closeStore("storage", store))
	logger.Debug("storage opened", "path", cfg.Storage.Path, "driver", cfg.Storage.Driver)

	if err := a.openSession(watchStore); err != nil {
		a.close()
		return nil, err
	}

	opts := []storage.MirrorOption{
		storage.WithPersistent(cfg.Storage.PersistentEnabled()),
		storage.WithSession(cfg.Storage.SessionEnabled()),
	}
	if watchStore && cfg.Storage.WatchEnabled() {
		for _, s := range []*sqlitestore.Store{a.store, a.session} {
			if s == nil {
				continue
			}
			w := watch.NewFile(s.Path(), logger, watch.WithCompanions())
			opts = append(opts, storage.WithChangeSource(sqlitestore.NewExternalChanges(s, w, logger)))
		}
	}

	// A nil *Store must not become a non-nil interface.
	var session storage.KeyValueStore
	if a.session != nil {
		session = a.session
	}
	a.bus = storage.NewBus()
	a.mirror = storage.NewMirror(store, session, a.bus, logger, opts...)
	return a, nil
}

// openSession attaches to the watch session named by DEVPEEK_SESSION. Without
// one, create starts a new session that is removed again on close; otherwise
// the app has no session store.
func (a *app) openSession(create bool) error {
	id, driver := a.cfg.Storage.Session, a.cfg.Storage.Driver
	switch {
	case id != "":
		s, err := sqlitestore.OpenSession(id, driver)
		if err != nil {
			return fmt.Errorf("attaching to session: %w", err)
		}
		a.session, a.sessionID = s, id
		a.closers = append(a.closers, a.closeStore("session storage", s))
		a.logger.Debug("session attached", "session", id)

	case create:
		id = uuid.NewString()
		s, err := sqlitestore.CreateSession(id, driver)
		if err != nil {
			return fmt.Errorf("starting session: %w", err)
		}
		a.session, a.sessionID = s, id
		a.closers = append(a.closers, func() {
			if err := sqlitestore.RemoveSession(id); err != nil {
				a.logger.Error("removing session storage", "error", err)
			}
		}, a.closeStore("session storage", s))
		a.logger.Info("session started", "session", id, "hint", "export DEVPEEK_SESSION="+id)
	}
	return nil
}

func (a *app) closeStore(what string, s *sqlitestore.Store) func() {
	return func() {
		if err := s.Close(); err != nil {
			a.logger.Error("closing "+what, "error", err)
		}
	}
}

// sqlStore returns the SQLite store backing kind, or nil.
func (a *app) sqlStore(kind model.Kind) *sqlitestore.Store {
	if kind == model.KindSession {
		return a.session
	}
	return a.store
}

// registry builds the adapter registry from the configured sources.
func (a *app) registry() (*adapter.Registry, error) {
	if hc := a.cfg.HomeAssistant; hc != nil {
		client, err := homeassistant.NewClient(hc.URL, hc.Token, a.logger)
		if err != nil {
			return nil, fmt.Errorf("initialising Home Assistant client: %w", err)
		}
		a.closers = append(a.closers, func() {
			if err := client.Close(); err != nil {
				a.logger.Debug("closing Home Assistant client", "error", err)
			}
		})

		pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = client.Ping(pingCtx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("connecting to Home Assistant at %q: %w\n\nCheck home_assistant.url and home_assistant.token in your config file", hc.URL, err)
		}
		a.logger.Debug("Home Assistant reachable", "url", hc.URL)
		a.ha = client
	}

	adapters, err := a.buildAdapters(a.cfg)
	if err != nil {
		return nil, err
	}
	return adapter.NewRegistry(adapters, a.logger, adapter.WithPollInterval(a.cfg.PollInterval)), nil
}

func (a *app) buildAdapters(cfg *config.Config) ([]adapter.Adapter, error) {
	adapters, err := sources.Build(cfg.Adapters, a.ha, a.logger)
	if err != nil {
		return nil, fmt.Errorf("building state sources: %w", err)
	}
	for _, ad := range adapters {
		a.logger.Debug("state source", "adapter", ad.Name(), "mode", adapter.ModeOf(ad))
	}
	return adapters, nil
}

// reloadAdapters re-reads the config file and replaces the registry's
// adapter list. Other settings keep their startup values.
func (a *app) reloadAdapters(ctx context.Context, reg *adapter.Registry) error {
	cfg, err := config.LoadOrDefault(a.cfgPath)
	if err != nil {
		return fmt.Errorf("reloading config from %q: %w", a.cfgPath, err)
	}
	adapters, err := a.buildAdapters(cfg)
	if err != nil {
		return err
	}
	reg.SetAdapters(ctx, adapters)
	a.cfg.Adapters = cfg.Adapters
	return nil
}

// close releases everything in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
