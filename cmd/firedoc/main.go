package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"
	"github.com/goccy/go-json"

	"github.com/smarter-day/firedoc"
)

const version = "0.1.0"

const usage = `Firedoc document store tool.

Settings come from a .env file in the working directory or FIREDOC_*
environment variables (PROJECT_ID, DATABASE_ID, EMULATOR_HOST,
CREDENTIALS_FILE, LOG_LEVEL).

Usage:
    firedoc get <collection> <id>
    firedoc query <collection> [--where=<clause>]... [--order=<field>]... [--desc] [--limit=<n>]
    firedoc count <collection> [--where=<clause>]...
    firedoc watch <collection> <id>...
    firedoc delete <collection> <id>
    firedoc -h | --help
    firedoc --version

Options:
    -h --help          Show this screen.
    --version          Show version.
    --where=<clause>   Filter such as age>=30, status==open, tags~=go or
                       "tags array-contains-any go,rust".
    --order=<field>    Order by field; repeat for secondary orderings.
    --desc             Order descending.
    --limit=<n>        Return at most n documents.`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fail(err)
	}
	// os.Exit skips deferred calls; they live in run
	if err := run(opts); err != nil {
		fail(err)
	}
}

func run(opts docopt.Opts) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := firedoc.LoadConfig()
	if err != nil {
		return err
	}
	db, err := firedoc.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	collection, _ := opts.String("<collection>")
	switch {
	case flag(opts, "get"):
		return get(ctx, db, collection, ids(opts)[0])
	case flag(opts, "query"):
		return query(ctx, db, collection, opts)
	case flag(opts, "count"):
		return count(ctx, db, collection, opts)
	case flag(opts, "watch"):
		return watch(ctx, db, collection, ids(opts))
	case flag(opts, "delete"):
		return db.Delete(ctx, collection, ids(opts)[0])
	}
	return nil
}

func flag(opts docopt.Opts, name string) bool {
	v, _ := opts.Bool(name)
	return v
}

// ids returns <id> values; docopt makes them a list because watch repeats them.
func ids(opts docopt.Opts) []string {
	switch v := opts["<id>"].(type) {
	case []string:
		return v
	case string:
		return []string{v}
	}
	return []string{""}
}

func stringList(opts docopt.Opts, name string) []string {
	v, _ := opts[name].([]string)
	return v
}

func conditions(opts docopt.Opts) ([]firedoc.QueryCondition, error) {
	var out []firedoc.QueryCondition
	for _, raw := range stringList(opts, "--where") {
		cond, err := parseClause(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, cond)
	}
	return out, nil
}

func get(ctx context.Context, db *firedoc.DB, collection, id string) error {
	_, fromJSON := firedoc.MapCodec()
	doc, found, err := firedoc.Read(ctx, db, collection, id, fromJSON)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%s/%s not found", collection, id)
	}
	return printJSON(doc)
}

func query(ctx context.Context, db *firedoc.DB, collection string, opts docopt.Opts) error {
	conds, err := conditions(opts)
	if err != nil {
		return err
	}
	dir := firedoc.Asc
	if flag(opts, "--desc") {
		dir = firedoc.Desc
	}
	var qopts []firedoc.QueryOption
	for _, field := range stringList(opts, "--order") {
		qopts = append(qopts, firedoc.OrderBy(field, dir))
	}
	if limit, err := opts.Int("--limit"); err == nil {
		qopts = append(qopts, firedoc.Limit(limit))
	}

	_, fromJSON := firedoc.MapCodec()
	docs, err := firedoc.Query(ctx, db, collection, conds, fromJSON, qopts...)
	if err != nil {
		return err
	}
	return printJSON(docs)
}

func count(ctx context.Context, db *firedoc.DB, collection string, opts docopt.Opts) error {
	conds, err := conditions(opts)
	if err != nil {
		return err
	}
	n, ok, err := db.Count(ctx, collection, conds)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("the store cannot count %s", collection)
	}
	return printJSON(map[string]int64{"count": n})
}

// watch prints every combined snapshot until interrupted.
func watch(ctx context.Context, db *firedoc.DB, collection string, docIDs []string) error {
	_, fromJSON := firedoc.MapCodec()
	sub := firedoc.WatchAll(ctx, db, collection, docIDs, fromJSON)
	defer sub.Close()

	for ev := range sub.Events() {
		if ev.Err != nil {
			return ev.Err
		}
		out := make(map[string]any, len(ev.Value))
		for id, v := range ev.Value {
			if v.Found {
				out[id] = v.Value
			} else {
				out[id] = nil
			}
		}
		if err := printJSON(out); err != nil {
			return err
		}
	}
	return nil
}

func printJSON(v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, string(raw))
	return err
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
