package main

import (
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"

	"pkt.systems/tabunloader/core"
	"pkt.systems/tabunloader/httpapi"
	"pkt.systems/tabunloader/internal/appconfig"
	"pkt.systems/tabunloader/schema"
)

type clientFlags struct {
	cfgPath string
	server  string
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVarP(&f.cfgPath, "config", "c", "", "path to config file")
	cmd.PersistentFlags().StringVar(&f.server, "server", "", "server address (default from http.addr)")
}

func (f *clientFlags) client() (*apiClient, error) {
	cfg, err := appconfig.Load(f.cfgPath)
	if err != nil {
		return nil, err
	}
	return newAPIClient(f.server, cfg.HTTP), nil
}

func newUnloadCmd() *cobra.Command {
	flags := &clientFlags{}
	cmd := &cobra.Command{
		Use:   "unload",
		Short: "Unload tabs through a running server",
	}
	flags.register(cmd)
	cmd.AddCommand(newUnloadSelectionCmd(flags, "inactive", "Unload every inactive tab", schema.SelectionInactive))
	cmd.AddCommand(newUnloadRecentCmd(flags))
	cmd.AddCommand(newUnloadSelectionCmd(flags, "current", "Unload the focused tab after switching to its neighbour", schema.SelectionCurrent))
	return cmd
}

func newUnloadSelectionCmd(flags *clientFlags, use, short string, selection schema.Selection) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			return runUnload(cmd, client, map[string]any{"selection": selection})
		},
	}
}

func newUnloadRecentCmd(flags *clientFlags) *cobra.Command {
	var keep int
	cmd := &cobra.Command{
		Use:   "recent",
		Short: "Unload all but the most recently used tabs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			body := map[string]any{"selection": schema.SelectionAllButRecent}
			if keep > 0 {
				body["keep"] = keep
			}
			return runUnload(cmd, client, body)
		},
	}
	cmd.Flags().IntVarP(&keep, "keep", "n", 0, "tabs to keep loaded (default unload.keep_recent)")
	return cmd
}

func runUnload(cmd *cobra.Command, client *apiClient, body map[string]any) error {
	var view httpapi.DiscardView
	if err := client.do(cmd.Context(), http.MethodPost, "/api/unload", body, &view); err != nil {
		return err
	}
	return printDiscard(cmd.OutOrStdout(), view)
}

func printDiscard(out io.Writer, view httpapi.DiscardView) error {
	if _, err := fmt.Fprintf(out, "unloaded %d tabs\n", len(view.Succeeded)); err != nil {
		return err
	}
	for _, failed := range view.Failed {
		if _, err := fmt.Fprintf(out, "  %s: %s\n", failed.TabID, failed.Error); err != nil {
			return err
		}
	}
	return nil
}

func newStatsCmd() *cobra.Command {
	flags := &clientFlags{}
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show loaded tab counts and the indicator state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			var payload struct {
				Stats     schema.StatsSnapshot `json:"stats"`
				Indicator string               `json:"indicator"`
			}
			if err := client.do(cmd.Context(), http.MethodGet, "/api/stats", nil, &payload); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\nindicator: %s\n", core.StatsLabel(payload.Stats), payload.Indicator)
			return err
		},
	}
	flags.register(cmd)
	return cmd
}
