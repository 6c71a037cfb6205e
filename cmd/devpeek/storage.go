package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/atotto/clipboard"

	"github.com/njoerd114/devpeek/internal/format"
	"github.com/njoerd114/devpeek/internal/model"
	"github.com/njoerd114/devpeek/internal/storage"
)

// runStorage dispatches the storage subcommands.
func runStorage(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("storage needs a subcommand: list, get, set, rm, clear or copy")
	}
	switch args[0] {
	case "list", "ls":
		return runStorageList(args[1:])
	case "get":
		return runStorageGet(args[1:])
	case "set":
		return runStorageSet(args[1:])
	case "rm", "remove":
		return runStorageRemove(args[1:])
	case "clear":
		return runStorageClear(args[1:])
	case "copy":
		return runStorageCopy(args[1:])
	}
	return fmt.Errorf("unknown storage command %q", args[0])
}

// storageCmd is the shared shape of every storage subcommand: global flags,
// an optional -kind flag, and a started mirror.
type storageCmd struct {
	fs   *flag.FlagSet
	g    *globalFlags
	kind *string
}

func newStorageCmd(name, defaultKind string) *storageCmd {
	fs := flag.NewFlagSet("storage "+name, flag.ExitOnError)
	return &storageCmd{
		fs:   fs,
		g:    addGlobalFlags(fs),
		kind: fs.String("kind", defaultKind, "store kind: persistent or session"),
	}
}

// open parses args, checks the positional argument count, and returns a
// started app.
func (c *storageCmd) open(args []string, nargs int) (*app, model.Kind, error) {
	if err := c.fs.Parse(args); err != nil {
		return nil, "", err
	}
	if c.fs.NArg() != nargs {
		return nil, "", fmt.Errorf("%s expects %d argument(s), got %d", c.fs.Name(), nargs, c.fs.NArg())
	}

	var kind model.Kind
	if *c.kind != "" {
		k, err := model.ParseKind(*c.kind)
		if err != nil {
			return nil, "", err
		}
		kind = k
	}

	a, err := openApp(c.g, false)
	if err != nil {
		return nil, "", err
	}
	if err := a.mirror.Start(context.Background()); err != nil {
		a.close()
		return nil, "", fmt.Errorf("reading storage: %w", err)
	}
	a.closers = append(a.closers, a.mirror.Stop)
	return a, kind, nil
}

func runStorageList(args []string) error {
	c := newStorageCmd("list", "")
	filter := c.fs.String("filter", "", "only show items whose key or value contains this text")
	where := c.fs.String("where", "", `expr-lang predicate, e.g. 'size > 100 && kind == "session"'`)
	a, kind, err := c.open(args, 0)
	if err != nil {
		return err
	}
	defer a.close()

	items := storage.Filter(a.mirror.Snapshot(), *filter)
	if kind != "" {
		items = storage.FilterKind(items, kind)
	}
	if *where != "" {
		pred, err := storage.CompilePredicate(*where)
		if err != nil {
			return err
		}
		if items, err = pred.Apply(items); err != nil {
			return err
		}
	}

	if len(items) == 0 {
		fmt.Println("No storage items.")
		return nil
	}
	groups := storage.GroupByKind(items)
	for _, k := range model.Kinds {
		group := groups[k]
		if len(group) == 0 {
			continue
		}
		fmt.Printf("%s (%d)\n", k, len(group))
		for _, item := range group {
			fmt.Printf("  %-24s %-53s %s\n", item.Key,
				format.Truncate(item.Value, format.DefaultWidth),
				format.Bytes(format.ByteSize(item.Value)))
		}
	}
	return nil
}

func runStorageGet(args []string) error {
	c := newStorageCmd("get", string(model.KindPersistent))
	path := c.fs.String("path", "", "gjson path inside a JSON value, e.g. user.roles.0")
	updated := c.fs.Bool("updated", false, "also print when the item was last written")
	a, kind, err := c.open(args, 1)
	if err != nil {
		return err
	}
	defer a.close()

	key := c.fs.Arg(0)
	item, ok := a.mirror.Find(kind, key)
	if !ok {
		return explain(fmt.Errorf("no %s item %q", kind, key), a, kind)
	}
	v, ok := model.Lookup(item, *path)
	if !ok {
		return fmt.Errorf("path %q not found in %s", *path, item.ExportKey())
	}
	fmt.Println(format.Value(v))

	if *updated {
		ctx := context.Background()
		at, err := a.sqlStore(kind).UpdatedAt(ctx, key)
		if err != nil {
			return err
		}
		fmt.Printf("updated %s (%s)\n", format.Since(at, time.Now()), at.Local().Format(time.RFC3339))
	}
	return nil
}

func runStorageSet(args []string) error {
	c := newStorageCmd("set", string(model.KindPersistent))
	a, kind, err := c.open(args, 2)
	if err != nil {
		return err
	}
	defer a.close()
	return explain(a.mirror.Set(context.Background(), c.fs.Arg(0), c.fs.Arg(1), kind), a, kind)
}

func runStorageRemove(args []string) error {
	c := newStorageCmd("rm", string(model.KindPersistent))
	a, kind, err := c.open(args, 1)
	if err != nil {
		return err
	}
	defer a.close()
	return explain(a.mirror.Remove(context.Background(), c.fs.Arg(0), kind), a, kind)
}

func runStorageClear(args []string) error {
	c := newStorageCmd("clear", "")
	a, kind, err := c.open(args, 0)
	if err != nil {
		return err
	}
	defer a.close()
	if kind == "" {
		return fmt.Errorf("storage clear requires -kind")
	}
	return explain(a.mirror.Clear(context.Background(), kind), a, kind)
}

func runStorageCopy(args []string) error {
	c := newStorageCmd("copy", string(model.KindPersistent))
	a, kind, err := c.open(args, 1)
	if err != nil {
		return err
	}
	defer a.close()

	key := c.fs.Arg(0)
	item, ok := a.mirror.Find(kind, key)
	if !ok {
		return explain(fmt.Errorf("no %s item %q", kind, key), a, kind)
	}
	if err := clipboard.WriteAll(item.Value); err != nil {
		return fmt.Errorf("copying to clipboard: %w", err)
	}
	a.logger.Info("copied to clipboard", "item", item.ExportKey(), "size", format.Bytes(format.ByteSize(item.Value)))
	return nil
}

// explain adds a hint to errors caused by using the session kind without an
// attached watch session.
func explain(err error, a *app, kind model.Kind) error {
	if err == nil {
		return nil
	}
	if storage.IsUnavailable(err) || (kind == model.KindSession && a.session == nil) {
		return fmt.Errorf("%w\n\nSession storage lives as long as 'devpeek watch'. Start it and export the DEVPEEK_SESSION it prints", err)
	}
	return err
}
