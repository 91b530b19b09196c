package fleetsync

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/autopeer-io/fleetsync/internal/server"
	"github.com/autopeer-io/fleetsync/internal/session"
	"github.com/autopeer-io/fleetsync/pkg/log"
)

// Daemon runs one session and serves it over HTTP until its context ends.
type Daemon struct {
	session *session.Session
	server  *server.Server
	closer  io.Closer
}

func (d *Daemon) Run(ctx context.Context) error {
	defer func() {
		if err := d.closer.Close(); err != nil {
			log.Warn("Failed to close fallback stores", "error", err)
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := d.session.Run(ctx); err != nil {
			return fmt.Errorf("session error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := d.server.Start(ctx); err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	log.Info("fleetsync started", "manager", d.session.ManagerID())
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("fleetsync stopped gracefully.")
	return nil
}
