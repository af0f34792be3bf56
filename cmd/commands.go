package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/proxy-pool-dashboard/internal/config"
	"github.com/proxy-pool-dashboard/internal/importer"
	"github.com/proxy-pool-dashboard/internal/snapshot"
	"github.com/proxy-pool-dashboard/internal/synchronizer"
	"github.com/proxy-pool-dashboard/internal/types"
)

// urlList collects repeated -url flags.
type urlList []string

func (u *urlList) String() string     { return strings.Join(*u, ",") }
func (u *urlList) Set(v string) error { *u = append(*u, v); return nil }

// runCommand executes a one-shot command against the pool. Nothing is
// persisted and no loop is started.
func runCommand(cfg *config.Config, command string, args []string) error {
	poolClient, err := newClient(cfg, nil)
	if err != nil {
		return err
	}

	view := snapshot.NewManager(nil, 0, nil)
	defer view.Close()

	syncer := synchronizer.New(poolClient, view, synchronizer.Options{
		Interval:      cfg.Sync.PollInterval(),
		ValidateDelay: cfg.Sync.ValidateDelay(),
	})
	defer syncer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.Upstream.Timeout())
	defer cancel()

	switch command {
	case "view":
		if res := syncer.Refresh(ctx); !res.Fresh() {
			return res.Err
		}
		return printJSON(view.Get())

	case "stats":
		if res := syncer.Refresh(ctx); !res.Fresh() {
			return res.Err
		}
		stats, _ := view.Stats()
		return printJSON(stats)

	case "add":
		fs := flag.NewFlagSet("add", flag.ContinueOnError)
		draft := types.ProxyDraft{}
		fs.StringVar(&draft.Address, "address", "", "proxy host")
		fs.IntVar(&draft.Port, "port", 0, "proxy port")
		proxyType := fs.String("type", string(types.ProxyHTTP), "http, https or socks5")
		fs.StringVar(&draft.Username, "username", "", "optional username")
		fs.StringVar(&draft.Password, "password", "", "optional password")
		if err := fs.Parse(args); err != nil {
			return err
		}
		draft.Type = types.ProxyType(*proxyType)
		if err := draft.Validate(); err != nil {
			return err
		}
		if err := syncer.AddProxy(ctx, draft); err != nil {
			return err
		}
		fmt.Printf("added %s\n", draft.HostPort())
		return nil

	case "delete":
		if len(args) != 1 {
			return fmt.Errorf("usage: delete ID")
		}
		if err := syncer.DeleteProxy(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("deleted %s\n", args[0])
		return nil

	case "import":
		return runImport(ctx, cfg, syncer, args)

	case "validate":
		if err := syncer.ValidateAll(ctx); err != nil {
			return err
		}
		fmt.Println("validation started")
		return nil

	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func runImport(ctx context.Context, cfg *config.Config, syncer *synchronizer.Synchronizer, args []string) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	var urls urlList
	fs.Var(&urls, "url", "remote plain-text proxy list (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var drafts []types.ProxyDraft
	for _, path := range fs.Args() {
		if path == "-" {
			parsed, err := importer.ParseReader(os.Stdin)
			if err != nil {
				return err
			}
			drafts = append(drafts, parsed...)
			continue
		}

		text, err := importer.ReadFile(path)
		if err != nil {
			return err
		}
		drafts = append(drafts, importer.Parse(text)...)
	}

	if len(urls) > 0 {
		fetched, results, err := importer.NewFetcher(cfg.Import.UserAgent, nil).Fetch(ctx, urls)
		for _, r := range results {
			if r.Error != "" {
				fmt.Fprintf(os.Stderr, "source %s: %s\n", r.URL, r.Error)
			}
		}
		if err != nil {
			return err
		}
		drafts = append(drafts, importer.Parse(fetched)...)
	}

	if len(fs.Args()) == 0 && len(urls) == 0 {
		return fmt.Errorf("usage: import [-url U]... [FILE|-]...")
	}

	result, err := syncer.ImportProxies(ctx, drafts)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
