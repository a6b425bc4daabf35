// Command ipcmeshd runs a demo ipcmesh transport server: it binds a
// listening socket, waits for peers, and echoes back whatever they send,
// exercising the channel/codec/transport stack end to end.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ipcmesh/ipcmesh/config"
	"github.com/ipcmesh/ipcmesh/internal/ipclog"
	"github.com/ipcmesh/ipcmesh/internal/xcmd"
	"github.com/ipcmesh/ipcmesh/transport"
)

var cmdFlags struct {
	ConfigPath string
}

var rootCmd = &cobra.Command{
	Use:   "ipcmeshd",
	Short: "ipcmesh demo transport daemon",
	Run: func(_ *cobra.Command, _ []string) {
		if err := run(cmdFlags.ConfigPath); err != nil {
			if errors.Is(err, xcmd.Interrupted{}) {
				return
			}
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmdFlags.ConfigPath, "config", "c", "", "path to the configuration file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}

	log, _, err := ipclog.Init(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer log.Sync()

	srv, port, err := transport.Bind(cfg.Transport.Host, cfg.Transport.Port,
		transport.WithLog(log),
		transport.WithKeepalive(
			time.Duration(cfg.Transport.KeepaliveSeconds)*time.Second,
			time.Duration(cfg.Transport.KeepaliveInterval)*time.Second,
			cfg.Transport.KeepaliveCount,
		),
	)
	if err != nil {
		return fmt.Errorf("failed to bind transport server: %w", err)
	}
	defer srv.Close()
	log.Infow("ipcmeshd listening", "port", port)

	ctx := context.Background()
	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return echoLoop(ctx, srv, log)
	})
	wg.Go(func() error {
		err := xcmd.WaitInterrupted(ctx)
		log.Infow("caught signal", "err", err)
		return err
	})

	return wg.Wait()
}

func echoLoop(ctx context.Context, srv *transport.Server, log *zap.SugaredLogger) error {
	for {
		client, value, err := srv.RecvAny("")
		if err != nil && client == nil {
			// No peer has connected yet: wait briefly and look again.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("ipcmeshd: recv_any: %w", err)
		}
		if err := srv.Send(client, value); err != nil {
			return fmt.Errorf("ipcmeshd: echoing to client %d: %w", client.ID, err)
		}
	}
}
