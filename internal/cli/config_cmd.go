package cli

import (
	"encoding/json"
	"fmt"
	"sort"

	"compositor/internal/composite"
	"compositor/internal/config"

	"github.com/spf13/cobra"
)

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show or validate the compositor configuration",
	}

	var asJSON bool
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(root.cfg)
			}
			c := root.cfg
			fmt.Fprintf(out, "Configuration:\n\n")
			fmt.Fprintf(out, "Config File: %s\n", config.Path())
			fmt.Fprintf(out, "Database Path: %s\n", c.Paths.DatabasePath)
			fmt.Fprintf(out, "Default Output: %s\n", c.Paths.DefaultOutput)
			fmt.Fprintf(out, "Default Algorithm: %s\n", c.Processing.Algorithm)
			fmt.Fprintf(out, "Parallel Jobs: %d\n", c.Processing.ParallelJobs)
			fmt.Fprintf(out, "Tile Workers: %d\n", c.Processing.Parallelism)
			fmt.Fprintf(out, "Tile Size: %d\n", c.Processing.TileSize)
			fmt.Fprintf(out, "Memory Limit: %s\n", c.Processing.MemoryLimit)
			fmt.Fprintf(out, "Scene Pattern: %s (dates: %t)\n", c.Scenes.Pattern, c.Scenes.ParseDates)
			fmt.Fprintf(out, "Preview: %t bands %v\n", c.Preview.Enabled, c.Preview.Bands)
			fmt.Fprintf(out, "Server Address: %s\n", c.Server.Addr)
			fmt.Fprintf(out, "Watch Debounce: %s\n", c.Watch.Debounce)
			fmt.Fprintf(out, "Log Level: %s\n", c.Logging.Level)
			fmt.Fprintf(out, "Log Format: %s\n", c.Logging.Format)
			fmt.Fprintf(out, "Log Directory: %s\n", c.Logging.LogDir)

			names := make([]string, 0, len(c.Algorithms))
			for name := range c.Algorithms {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(out, "Overrides %s: %v\n", name, c.Algorithms[name])
			}
			return nil
		},
	}
	showCmd.Flags().BoolVar(&asJSON, "json", false, "print the configuration as JSON")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				return fmt.Errorf("configuration is invalid: %w", err)
			}
			if _, ok := composite.Discover().Lookup(root.cfg.Processing.Algorithm); !ok {
				return fmt.Errorf("configuration is invalid: processing.algorithm %q is not registered", root.cfg.Processing.Algorithm)
			}
			root.log.Info("configuration validation", "status", "valid")
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}
