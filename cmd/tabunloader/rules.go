package main

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/tabunloader"
	"pkt.systems/tabunloader/core"
	"pkt.systems/tabunloader/internal/appconfig"
)

type rulesFlags struct {
	cfgPath string
	server  string
}

func newRulesCmd() *cobra.Command {
	flags := &rulesFlags{}
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage hostnames that are always unloaded when unfocused",
		Long: "Without --server the rule set is edited in the configured store and a running " +
			"serve instance picks it up on its next start. With --server the running instance is updated directly.",
	}
	cmd.PersistentFlags().StringVarP(&flags.cfgPath, "config", "c", "", "path to config file")
	cmd.PersistentFlags().StringVar(&flags.server, "server", "", "update a running server at this address instead of the store")

	cmd.AddCommand(newRulesListCmd(flags))
	cmd.AddCommand(newRulesSetCmd(flags, "add", "Always unload a hostname when unfocused", true))
	cmd.AddCommand(newRulesSetCmd(flags, "remove", "Stop auto-unloading a hostname", false))
	return cmd
}

func newRulesListCmd(flags *rulesFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List auto-unload hostnames",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(flags.cfgPath)
			if err != nil {
				return err
			}
			var hosts []string
			if flags.server != "" {
				var payload struct {
					Hosts []string `json:"hosts"`
				}
				if err := newAPIClient(flags.server, cfg.HTTP).do(cmd.Context(), http.MethodGet, "/api/rules", nil, &payload); err != nil {
					return err
				}
				hosts = payload.Hosts
			} else {
				err = withRuleStore(cmd.Context(), cfg, func(rules *core.RuleStore) error {
					hosts = rules.Hosts()
					return nil
				})
				if err != nil {
					return err
				}
			}
			return printHosts(cmd.OutOrStdout(), hosts)
		},
	}
}

func newRulesSetCmd(flags *rulesFlags, use, short string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <hostname>...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(flags.cfgPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			logger := pslog.Ctx(ctx)
			if flags.server != "" {
				client := newAPIClient(flags.server, cfg.HTTP)
				var payload struct {
					Hosts []string `json:"hosts"`
				}
				for _, host := range args {
					body := map[string]any{"host": host, "enabled": enabled}
					if err := client.do(ctx, http.MethodPost, "/api/rules", body, &payload); err != nil {
						return fmt.Errorf("%s: %w", host, err)
					}
					logger.Info("rule updated", "host", host, "enabled", enabled)
				}
				return printHosts(cmd.OutOrStdout(), payload.Hosts)
			}
			return withRuleStore(ctx, cfg, func(rules *core.RuleStore) error {
				for _, host := range args {
					if err := rules.Toggle(ctx, host, enabled); err != nil {
						return fmt.Errorf("%s: %w", host, err)
					}
					logger.Info("rule updated", "host", host, "enabled", enabled)
				}
				return printHosts(cmd.OutOrStdout(), rules.Hosts())
			})
		},
	}
}

func withRuleStore(ctx context.Context, cfg appconfig.Config, fn func(*core.RuleStore) error) error {
	logger := pslog.Ctx(ctx)
	store, closeStore, err := tabunloader.OpenStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()
	rules := core.NewRuleStore(store, cfg.Store.RulesKey, logger)
	rules.Load(ctx)
	return fn(rules)
}

func printHosts(out io.Writer, hosts []string) error {
	for _, host := range hosts {
		if _, err := fmt.Fprintln(out, host); err != nil {
			return err
		}
	}
	return nil
}
