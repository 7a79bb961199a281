package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sandwichfarm/nostatus/internal/finger"
	"github.com/sandwichfarm/nostatus/internal/model"
	"github.com/sandwichfarm/nostatus/internal/status"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Follow the status feed until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runFeed(ctx, cmd.OutOrStdout())
		},
	}
}

func runFeed(ctx context.Context, out io.Writer) error {
	a, err := openApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close()

	a.logger.LogStartup(version, commit, map[string]interface{}{
		"storage":  a.cfg.Storage.Driver,
		"backfill": a.cfg.Sync.Backfill,
		"metrics":  a.cfg.Metrics.Enabled,
		"finger":   a.cfg.Finger.Enabled,
	})

	if a.metrics != nil {
		go func() {
			if err := a.metrics.Serve(ctx, a.cfg.Metrics.Listen, a.logger); err != nil {
				a.logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	if a.cfg.Finger.Enabled {
		srv := finger.New(&a.cfg.Finger, a.coord, a.logger)
		if err := srv.Start(); err != nil {
			return err
		}
		defer srv.Stop()
	}

	unsubscribe := a.coord.Statuses().Subscribe(func(ch status.Change) {
		printChange(out, a.coord.Profiles().Get(ch.Pubkey), ch)
	})
	defer unsubscribe()

	s, err := a.login(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("session started", "session", s.ID, "can_sign", s.CanSign())

	<-ctx.Done()
	a.logger.LogShutdown("interrupted")
	return nil
}

func printChange(w io.Writer, p model.Profile, ch status.Change) {
	label := p.Label()
	if ch.Removed {
		fmt.Fprintf(w, "%s  %s cleared their status\n", time.Now().Format(time.Kitchen), label)
		return
	}
	for _, c := range model.Categories {
		e := ch.Status.Get(c)
		if e == nil {
			continue
		}
		line := fmt.Sprintf("%s  %-24s [%s] %s", e.CreatedAt.Time().Format(time.Kitchen), label, c, e.Content)
		if e.LinkURL != "" {
			line += " <" + e.LinkURL + ">"
		}
		fmt.Fprintln(w, line)
	}
}
