package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/audit"
	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/catalog"
	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/config"
	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/logging"
	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/metrics"
	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/partition"
	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/session"
	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/tablestore"
	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/transfer"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

// app holds what every command needs once the configuration is loaded.
type app struct {
	configPath string
	cfg        *config.Config
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown handler
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		slog.Info("received signal, stopping", "signal", sig.String())
		cancel()
	}()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "bulk-tunnel",
		Short:         "Move delimited files in and out of partitioned tables",
		Version:       Version + " (" + GitSHA + ")",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", os.Getenv("TUNNEL_CONFIG"), "path to a YAML config file")

	root.AddCommand(
		newUploadCmd(a),
		newDownloadCmd(a),
		newResumeCmd(a),
		newHistoryCmd(a),
		newPurgeCmd(a),
		newCreateTableCmd(a),
		newAuditCmd(a),
	)
	return root
}

func (a *app) load() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})

	if cfg.Metrics.Enabled {
		metrics.Init(cfg.Metrics.Namespace)
		go func() {
			slog.Info("starting metrics server", "address", cfg.Metrics.Address)
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				slog.Error("metrics server failed", "error", err)
			}
		}()
	}
	return nil
}

func (a *app) sessions() (*session.Store, error) {
	return session.NewStore(a.cfg.Session)
}

// backend is the table store plus the metadata source that goes with it.
type backend struct {
	store   *tablestore.Store
	catalog *catalog.Catalog
	meta    partition.Metadata
}

func (b *backend) Close() {
	if b.catalog != nil {
		b.catalog.Close()
	}
	b.store.Close()
}

// openBackend opens the table store. When a catalog DSN is configured the
// catalog serves schemas and partitions and records commit lineage. Commits
// are recorded in the catalog before the audit log.
func (a *app) openBackend(ctx context.Context) (*backend, error) {
	store, err := tablestore.Open(ctx, a.cfg.Storage)
	if err != nil {
		return nil, err
	}
	b := &backend{store: store, meta: store}

	if a.cfg.Catalog.PostgresDSN != "" {
		cat, err := catalog.Open(ctx, a.cfg.Catalog)
		if err != nil {
			store.Close()
			return nil, err
		}
		store.AddRecorder(cat)
		b.catalog = cat
		b.meta = cat
	}

	if a.cfg.Audit.Enabled {
		auditLog, err := audit.New(a.cfg.Audit, producer())
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		store.AddRecorder(auditLog)
	}
	return b, nil
}

func producer() audit.ProducerInfo {
	return audit.ProducerInfo{Name: "bulk-tunnel", Version: Version, GitSHA: GitSHA}
}

func (a *app) engine(ctx context.Context) (*transfer.Engine, *backend, error) {
	sessions, err := a.sessions()
	if err != nil {
		return nil, nil, err
	}
	b, err := a.openBackend(ctx)
	if err != nil {
		return nil, nil, err
	}
	return transfer.NewEngine(sessions, b.meta, b.store), b, nil
}
