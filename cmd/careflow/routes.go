package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zen-systems/careflow/pkg/config"
	"github.com/zen-systems/careflow/pkg/priority"
	"github.com/zen-systems/careflow/pkg/router"
	"github.com/zen-systems/careflow/pkg/schema"
)

func routesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "routes",
		Short: "Show model routing tiers and complexity rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			r := router.NewModelRouter(&cfg.Routing, router.WithAliases(cfg.Aliases))

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIER\tADAPTER\tMODEL\tRESOLVED")
			for _, route := range r.Routes() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", route.Tier, route.Adapter, route.Model, route.ResolvedModel)
			}

			fmt.Fprintln(w)
			fmt.Fprintln(w, "PATTERN\tWEIGHT")
			for _, rule := range r.Rules() {
				fmt.Fprintf(w, "%s\t%+d\n", rule.Pattern, rule.Weight)
			}

			fmt.Fprintln(w)
			fmt.Fprintf(w, "PREMIUM AT SCORE\t>= %d\n", r.Threshold())
			if cfg.Routing.LengthThreshold > 0 {
				fmt.Fprintf(w, "LENGTH BONUS\t%+d over %d chars\n", cfg.Routing.LengthBonus, cfg.Routing.LengthThreshold)
			}
			return w.Flush()
		},
	}
}

func priorityCmd() *cobra.Command {
	var (
		afterHours bool
		load       string
		category   string
	)

	cmd := &cobra.Command{
		Use:   "priority [band]",
		Short: "Compute the operational priority for a risk band",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			band, err := schema.ParseRiskBand(args[0])
			if err != nil {
				return err
			}
			ctx := priority.Context{IsAfterHours: afterHours, SystemLoad: schema.SystemLoad(load)}
			meta := priority.Meta(band, ctx, category)

			fmt.Fprintf(cmd.OutOrStdout(), "band=%s priority=%s direct=%t\n", band, meta.Priority, priority.Direct(meta.Priority))
			if category != "" {
				if expected, ok := priority.ExpectedBand(category); ok && expected != band {
					fmt.Fprintf(cmd.OutOrStdout(), "note: category %q usually implies band %s\n", category, expected)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&afterHours, "after-hours", false, "request arrives after hours")
	cmd.Flags().StringVar(&load, "load", "", "system load (low, normal, high)")
	cmd.Flags().StringVar(&category, "category", "", "test category tag ("+strings.Join(sortedCategories(), ", ")+")")
	return cmd
}

func sortedCategories() []string {
	names := priority.Categories()
	sort.Strings(names)
	return names
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [config.yaml]",
		Short: "Validate a config file without running anything",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg *config.Config
			var err error
			if len(args) == 1 {
				cfg, err = config.LoadFile(args[0])
				if err == nil {
					err = cfg.Validate()
				}
			} else {
				cfg, err = loadConfig()
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config is valid (environment=%s, batching=%t).\n", cfg.Environment, cfg.Batch.Enabled)
			return nil
		},
	}
}
