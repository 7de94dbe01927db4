package storerun

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rzbill/strata/internal/command"
	"github.com/rzbill/strata/internal/server"
	pebblestore "github.com/rzbill/strata/internal/storage/pebble"
	"github.com/rzbill/strata/internal/store"
	"github.com/rzbill/strata/pkg/log"
)

type Options struct {
	DataDir       string
	Addr          string
	Fsync         pebblestore.FsyncMode
	FsyncInterval time.Duration
	SweepInterval time.Duration
	ResultTTL     time.Duration
	Logger        log.Logger
}

// Run starts the coordination store server and blocks until ctx is
// cancelled.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = 10 * time.Minute
	}

	db, err := pebblestore.Open(pebblestore.Options{
		DataDir:       filepath.Join(opts.DataDir, "store"),
		Fsync:         opts.Fsync,
		FsyncInterval: opts.FsyncInterval,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	st := store.Open(db, store.Options{Logger: logger})
	st.StartSweeper(opts.SweepInterval, opts.ResultTTL)
	defer st.Close()

	logger.Info("starting coordination store",
		log.Str("addr", opts.Addr),
		log.Str("data_dir", opts.DataDir))

	srv := server.New(command.NewHandler(st, logger), logger)
	return srv.ListenAndServe(sctx, opts.Addr)
}
