package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sandwichfarm/nostatus/internal/model"
	"github.com/sandwichfarm/nostatus/internal/session"
	"github.com/sandwichfarm/nostatus/internal/status"
)

func postCmd() *cobra.Command {
	var category, link, ttl string

	cmd := &cobra.Command{
		Use:   "post CONTENT",
		Short: "Publish your status",
		Long: `Publish a status in the general or music category. --ttl takes a
preset (` + strings.Join(status.TTLPresetNames(), ", ") + `) or a Go duration.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := status.ParseTTL(ttl)
			if err != nil {
				return err
			}
			in := status.PublishInput{
				Content: strings.Join(args, " "),
				LinkURL: link,
				TTL:     d,
			}
			if in.Category, err = parseCategory(category); err != nil {
				return err
			}
			if strings.TrimSpace(in.Content) == "" {
				return fmt.Errorf("status content is empty, use clear to remove a status")
			}
			return publish(cmd.Context(), cmd, in)
		},
	}
	cmd.Flags().StringVar(&category, "category", "general", "status category (general|music)")
	cmd.Flags().StringVar(&link, "link", "", "optional URL attached to the status")
	cmd.Flags().StringVar(&ttl, "ttl", "", "how long the status stays visible")
	return cmd
}

func clearCmd() *cobra.Command {
	var category string

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear your status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cat, err := parseCategory(category)
			if err != nil {
				return err
			}
			return publish(cmd.Context(), cmd, status.PublishInput{Category: cat})
		},
	}
	cmd.Flags().StringVar(&category, "category", "general", "status category (general|music)")
	return cmd
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the remembered session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.coord.Logout(cmd.Context()); err != nil && !errors.Is(err, session.ErrNotLoggedIn) {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "logged out")
			return nil
		},
	}
}

func parseCategory(s string) (model.Category, error) {
	c, ok := model.ParseCategory(s)
	if !ok {
		return 0, fmt.Errorf("unknown category %q", s)
	}
	return c, nil
}

func publish(ctx context.Context, cmd *cobra.Command, in status.PublishInput) error {
	a, err := openApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close()

	s, err := a.login(ctx)
	if err != nil {
		return err
	}
	if !s.CanSign() {
		return fmt.Errorf("logged in read-only, set NOSTATUS_NSEC or identity.bunker_url to post")
	}

	ev, err := a.coord.Publish(ctx, in)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "published %s to %d relays\n", ev.ID, len(s.WriteRelays()))
	return nil
}
