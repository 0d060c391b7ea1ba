// The mailmirror command maintains a durable, deduplicated local
// mirror of a remote IMAP mailbox plus a rebuildable search index
// over it.  It is meant for repeated unattended runs: each pass does
// only the work implied by what changed, and no pass ever deletes or
// overwrites archived data.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"marmstrong/mailmirror/internal/archive"
	"marmstrong/mailmirror/internal/config"
	"marmstrong/mailmirror/internal/message"
	"marmstrong/mailmirror/internal/observe"
	"marmstrong/mailmirror/internal/persist"
	"marmstrong/mailmirror/internal/remote"
	"marmstrong/mailmirror/internal/scan"
	"marmstrong/mailmirror/internal/sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	_ "github.com/mattn/go-sqlite3"
)

var (
	flagConfig   = flag.String("config", config.DefaultPath(), "path to the config file")
	flagTrace    = flag.Bool("T", false, "dump the raw protocol exchange to stderr")
	flagScanOnly = flag.Bool("scan-only", false, "only run the local incremental scan, no remote sync")
)

func run(ctx context.Context) error {
	cfg, err := config.Load(*flagConfig)
	if err != nil {
		return errors.Wrap(err, "unable to load configuration")
	}

	obs := observe.New(observe.LogSink{})

	walker := func(ctx context.Context, handler func(message.Sidecar) error) error {
		return archive.WalkSidecars(ctx, cfg.ArchiveRoot, handler)
	}
	db, recovered, err := persist.OpenOrRecover(ctx, cfg.IndexPath(), walker, obs)
	if err != nil {
		return errors.Wrap(err, "unable to open index store")
	}
	defer db.Close()
	if recovered {
		log.Print("index store was corrupt; quarantined and rebuilt from sidecars")
	}

	writer, err := archive.NewWriter(cfg.ArchiveRoot, db, obs)
	if err != nil {
		return errors.Wrap(err, "unable to prepare archive")
	}

	// The remote sync and the local scan are independent paths
	// converging on the same index store; run both.
	grp, ctx := errgroup.WithContext(ctx)

	if !*flagScanOnly {
		rcfg := remote.Config{
			Host:             cfg.Host,
			Port:             cfg.Port,
			Username:         cfg.Username,
			Password:         cfg.Password,
			TLS:              cfg.TLS,
			BackoffBase:      cfg.BackoffBase,
			BackoffCap:       cfg.BackoffCap,
			BreakerThreshold: cfg.BreakerThreshold,
			BreakerCooldown:  cfg.BreakerCooldown,
		}
		if *flagTrace {
			rcfg.DebugWriter = os.Stderr
		}
		ctrl := remote.NewController(rcfg, obs)
		opts := sync.Options{
			BatchSize:       cfg.BatchSize,
			MaxItemAttempts: cfg.MaxItemAttempts,
		}
		grp.Go(func() error {
			stats, err := sync.Run(ctx, ctrl, db, writer, obs, cfg.Folders, opts)
			if err != nil {
				return errors.Wrap(err, "remote sync failed")
			}
			for _, st := range stats {
				log.Printf("synced %s: stored %d, skipped %d, abandoned %d, cursor %d",
					st.Folder, st.Stored, st.Skipped, st.Abandoned, st.Cursor)
			}
			return nil
		})
	}

	grp.Go(func() error {
		stats, err := scan.Scan(ctx, db, cfg.ArchiveRoot, obs, nil)
		if err != nil {
			return errors.Wrap(err, "local scan failed")
		}
		log.Printf("scanned archive: %d new, %d modified, %d unchanged, %d dirs skipped",
			stats.New, stats.Modified, stats.Unchanged, stats.SkippedDirs)
		return nil
	})

	return grp.Wait()
}

func main() {
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("Failed: %v\n", err)
	}
	fmt.Print("Success!\n")
}
