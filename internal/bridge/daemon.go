package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/openmined/deskbridge/internal/config"
	"github.com/openmined/deskbridge/internal/connector"
	"github.com/openmined/deskbridge/internal/controlplane"
	"github.com/openmined/deskbridge/internal/filesync"
	"github.com/openmined/deskbridge/internal/peer"
	"github.com/openmined/deskbridge/internal/storage"
	"github.com/openmined/deskbridge/internal/workspace"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// Link is the message transport of one side: the connector on the cli
// side, the peer server on the desktop side.
type Link interface {
	filesync.Messenger
}

// Daemon runs one end of the bridge: its link, the sync engine with its
// watcher, and the control plane.
type Daemon struct {
	cfg  *config.Config
	side filesync.Writer
	ws   *workspace.Workspace

	link     Link
	conn     *connector.Connector
	peer     *peer.Server
	peerHTTP *http.Server

	engine  *filesync.Engine
	watcher *filesync.Watcher
	cp      *controlplane.Server
}

func New(cfg *config.Config) (*Daemon, error) {
	side, err := filesync.ParseWriter(cfg.Sync.Side)
	if err != nil {
		return nil, err
	}
	ws, err := workspace.NewWorkspace(cfg.StateDir, cfg.Sync.Root)
	if err != nil {
		return nil, err
	}

	d := &Daemon{cfg: cfg, side: side, ws: ws}

	if side == filesync.WriterCLI {
		d.conn, err = connector.New(cfg.ConnectorConfig())
		if err != nil {
			return nil, err
		}
		d.link = d.conn
	} else {
		d.peer = peer.New(peer.Config{
			Name:         string(side),
			Features:     connector.DefaultFeatures,
			WriteTimeout: cfg.Connector.WriteTimeout,
		})
		d.link = d.peer

		r := gin.New()
		r.Use(gin.Recovery())
		d.peer.Register(r)
		d.peerHTTP = &http.Server{
			Addr:              cfg.Peer.Addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	if cfg.Sync.Enabled {
		if err := d.setupSync(); err != nil {
			return nil, err
		}
	}

	if cfg.ControlPlane.Enabled {
		deps := controlplane.Deps{
			Sender:     d.link,
			Target:     string(side.Other()),
			LinkStatus: d.LinkStatus,
		}
		if d.engine != nil {
			deps.Engine = d.engine
		}
		d.cp, err = controlplane.New(controlplane.Config{
			Addr:      cfg.ControlPlane.Addr,
			Token:     cfg.ControlPlane.Token,
			RateLimit: cfg.ControlPlane.RateLimit,
		}, deps)
		if err != nil {
			return nil, err
		}
	}

	return d, nil
}

func (d *Daemon) setupSync() error {
	sc, err := d.cfg.SyncConfig()
	if err != nil {
		return err
	}
	store, err := storage.NewOS(d.ws.SyncRoot)
	if err != nil {
		return err
	}

	opts := []filesync.Option{filesync.WithProjects(d.ws.Projects(d.cfg.Projects))}
	if d.cfg.Sync.Watch {
		d.watcher = filesync.NewWatcher(d.ws.SyncRoot)
		opts = append(opts, filesync.WithChangeSource(d.watcher))
	}

	d.engine, err = filesync.New(sc, store, d.link, opts...)
	if err != nil {
		return err
	}
	if d.watcher != nil {
		d.watcher.FilterPaths(d.engine.IgnoreList().ShouldIgnore)
	}
	return nil
}

func (d *Daemon) Side() filesync.Writer          { return d.side }
func (d *Daemon) Engine() *filesync.Engine       { return d.engine }
func (d *Daemon) Link() Link                     { return d.link }
func (d *Daemon) Workspace() *workspace.Workspace { return d.ws }

// PeerStatus is the link view of the desktop side.
type PeerStatus struct {
	Addr    string              `json:"addr"`
	Clients []peer.ClientStatus `json:"clients"`
}

// LinkStatus reports connector or peer state.
func (d *Daemon) LinkStatus() any {
	if d.conn != nil {
		return d.conn.Status()
	}
	return PeerStatus{Addr: d.cfg.Peer.Addr, Clients: d.peer.Clients()}
}

// Start locks the workspace and runs every service until ctx ends or one
// of them fails.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.ws.Setup(); err != nil {
		return err
	}
	defer func() {
		if err := d.ws.Unlock(); err != nil {
			slog.Warn("workspace unlock", "error", err)
		}
	}()

	slog.Info("bridge daemon start", "side", d.side, "root", d.ws.SyncRoot)

	eg, egCtx := errgroup.WithContext(ctx)

	var peerLn net.Listener
	if d.peer != nil {
		ln, err := net.Listen("tcp", d.peerHTTP.Addr)
		if err != nil {
			return fmt.Errorf("peer listen: %w", err)
		}
		peerLn = ln
		slog.Info("peer listening", "addr", "ws://"+ln.Addr().String()+peer.Path)
	}

	if d.watcher != nil {
		if err := d.watcher.Start(egCtx); err != nil {
			slog.Warn("file watcher unavailable, relying on rescans", "error", err)
			d.watcher = nil
		}
	}
	if d.engine != nil {
		if err := d.engine.Start(egCtx); err != nil {
			if peerLn != nil {
				peerLn.Close()
			}
			if d.watcher != nil {
				d.watcher.Stop()
			}
			return fmt.Errorf("sync engine: %w", err)
		}
	}

	if d.conn != nil {
		eg.Go(func() error {
			if err := d.conn.Run(egCtx); err != nil {
				return fmt.Errorf("connector: %w", err)
			}
			return nil
		})
	} else {
		eg.Go(func() error {
			if err := d.peerHTTP.Serve(peerLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("peer serve: %w", err)
			}
			return nil
		})
	}

	if d.cp != nil {
		eg.Go(func() error {
			if err := d.cp.Start(egCtx); err != nil {
				return fmt.Errorf("control plane: %w", err)
			}
			return nil
		})
	}

	eg.Go(func() error {
		<-egCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return d.Stop(shutdownCtx)
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("bridge daemon failure", "error", err)
		return err
	}
	slog.Info("bridge daemon stopped")
	return nil
}

// Stop shuts the services down in reverse start order.
func (d *Daemon) Stop(ctx context.Context) error {
	var errs []error
	if d.cp != nil {
		if err := d.cp.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("control plane: %w", err))
		}
	}
	if d.engine != nil {
		d.engine.Stop()
	}
	if d.watcher != nil {
		d.watcher.Stop()
	}
	if d.conn != nil {
		d.conn.Close()
	}
	if d.peer != nil {
		if err := d.peer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("peer: %w", err))
		}
		if err := d.peerHTTP.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("peer http: %w", err))
		}
	}
	return errors.Join(errs...)
}
