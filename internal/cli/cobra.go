package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"compositor/internal/compat"
	"compositor/internal/composite"
	"compositor/internal/config"
	"compositor/internal/pipeline"
	"compositor/internal/scenes"
	"compositor/internal/watch"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"
)

// Command builds the command tree bound to r.
func (r *Root) Command() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "compositor",
		Short: "Compositor builds best-pixel composites from multi-date rasters",
		Long: `Compositor validates a stack of co-registered satellite scenes and reduces
them, pixel by pixel, into a single composite using a pluggable selection rule
such as maximum NDVI.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	if r.out != nil {
		rootCmd.SetOut(r.out)
	}

	rootCmd.AddCommand(newAlgorithmsCmd(r))
	rootCmd.AddCommand(newValidateCmd(r))
	rootCmd.AddCommand(newScanCmd(r))
	rootCmd.AddCommand(newCompositeCmd(r))
	rootCmd.AddCommand(newRunsCmd(r))
	rootCmd.AddCommand(newServeCmd(r))
	rootCmd.AddCommand(newWatchCmd(r))
	rootCmd.AddCommand(newConfigCmd(r))
	rootCmd.AddCommand(newVersionCmd(r))
	return rootCmd
}

func newAlgorithmsCmd(root *Root) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "algorithms",
		Short: "List the available compositing algorithms",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := composite.Discover()
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(reg.Descriptors())
			}
			for _, d := range reg.Descriptors() {
				fmt.Fprintf(out, "%s\n  %s\n", d.Name, d.Description)
				if lineage := reg.Lineage(d.Name); len(lineage) > 1 {
					fmt.Fprintf(out, "  lineage: %s\n", strings.Join(lineage, " -> "))
				}
				for _, p := range d.Params {
					fmt.Fprintf(out, "    %-12s %-6s default %v  %s\n", p.Name, p.Kind, p.Default, p.Label)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print descriptors as JSON")
	return cmd
}

func newValidateCmd(root *Root) *cobra.Command {
	var dir, pattern string

	cmd := &cobra.Command{
		Use:   "validate [raster...]",
		Short: "Check which rasters share the reference grid",
		Long: `Open each raster in scene order and compare it with the first readable one.
Rasters that differ in projection, pixel size, pixel posting or band count are
reported as excluded.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.opener == nil {
				return errors.New("no raster driver available")
			}
			inputs, err := root.resolveInputs(args, dir, pattern)
			if err != nil {
				return err
			}
			if len(inputs) == 0 {
				return errors.New("validate requires input rasters or --dir")
			}

			rep, err := compat.Validate(cmd.Context(), root.opener, inputs, root.log)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for i, path := range rep.Paths {
				switch {
				case rep.Valid[i] && path == rep.ReferencePath:
					fmt.Fprintf(out, "reference  %s  %s\n", path, rep.Reference)
				case rep.Valid[i]:
					fmt.Fprintf(out, "ok         %s\n", path)
				default:
					for _, is := range rep.IssuesFor(i) {
						fmt.Fprintf(out, "excluded   %s: %v\n", path, is.Err)
					}
				}
			}
			if rep.Reference == nil {
				return fmt.Errorf("none of the %d rasters could be read", len(inputs))
			}
			fmt.Fprintf(out, "%d of %d rasters compatible\n", len(rep.Compatible()), len(inputs))
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "scan this directory for rasters")
	cmd.Flags().StringVar(&pattern, "pattern", "", "file name pattern used with --dir (default from config)")
	return cmd
}

func newScanCmd(root *Root) *cobra.Command {
	var (
		pattern string
		dates   bool
	)

	cmd := &cobra.Command{
		Use:   "scan <directory>",
		Short: "List the scenes found under a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if pattern == "" {
				pattern = root.cfg.Scenes.Pattern
			}
			if !cmd.Flags().Changed("dates") {
				dates = root.cfg.Scenes.ParseDates
			}
			found, err := scenes.Scan(args[0], pattern, dates)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, s := range found {
				date := "-         "
				if s.Dated() {
					date = s.Date.Format(time.DateOnly)
				}
				fmt.Fprintf(out, "%s  %s\n", date, s.Path)
			}
			fmt.Fprintf(out, "%d scenes\n", len(found))
			return nil
		},
	}

	cmd.Flags().StringVar(&pattern, "pattern", "", "file name pattern (default from config)")
	cmd.Flags().BoolVar(&dates, "dates", true, "order scenes by the acquisition date in Landsat file names")
	return cmd
}

func newCompositeCmd(root *Root) *cobra.Command {
	var (
		dir         string
		pattern     string
		algorithm   string
		paramPairs  []string
		paramsFile  string
		tileSize    int
		parallelism int
		output      string
		preview     bool
	)

	cmd := &cobra.Command{
		Use:   "composite [raster...]",
		Short: "Build a composite from a stack of scenes",
		Long: `Validate the input scenes, then reduce the compatible ones into a single
GeoTIFF using the selected algorithm.

Examples:
  compositor composite --dir /data/p017r034 --algorithm max-ndvi
  compositor composite a.tif b.tif c.tif --algorithm max-ndvi-oli --param red=4
  compositor composite --dir scenes --params zz.yaml --tile-size 512 --parallel 8`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && dir == "" {
				return errors.New("composite requires input rasters or --dir")
			}
			if algorithm == "" {
				algorithm = root.cfg.Processing.Algorithm
			}
			reg := composite.Discover()
			if _, ok := reg.Lookup(algorithm); !ok {
				return fmt.Errorf("unknown algorithm %q (available: %s)", algorithm, strings.Join(reg.Names(), ", "))
			}
			params, err := loadParams(paramsFile, paramPairs)
			if err != nil {
				return err
			}

			job := pipeline.Job{
				ID:          pipeline.NewID("run"),
				Algorithm:   algorithm,
				Inputs:      args,
				Dir:         dir,
				Pattern:     pattern,
				Output:      output,
				Params:      params,
				Preview:     preview,
				TileSize:    tileSize,
				Parallelism: parallelism,
				Source:      "cli",
			}
			if job.Output == "" {
				if job.Output, err = root.defaultOutput(job.ID); err != nil {
					return err
				}
			}

			res, err := root.enqueueAndWait(cmd.Context(), job)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "composite written to %s\n", job.Output)
			for _, key := range []string{"compatible", "tiles", "issues", "coverage", "preview"} {
				if v, ok := res.Meta[key]; ok {
					fmt.Fprintf(out, "  %-10s %v\n", key, v)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "scan this directory for scenes")
	cmd.Flags().StringVar(&pattern, "pattern", "", "file name pattern used with --dir (default from config)")
	cmd.Flags().StringVarP(&algorithm, "algorithm", "a", "", "compositing algorithm (default from config)")
	cmd.Flags().StringArrayVarP(&paramPairs, "param", "p", nil, "algorithm parameter as name=value, may be repeated")
	cmd.Flags().StringVar(&paramsFile, "params", "", "YAML file of algorithm parameters")
	cmd.Flags().IntVar(&tileSize, "tile-size", 0, "tile edge length in pixels (default from config)")
	cmd.Flags().IntVar(&parallelism, "parallel", 0, "number of tile workers (default from config)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output GeoTIFF path")
	cmd.Flags().BoolVar(&preview, "preview", false, "also write a PNG quicklook next to the output")
	return cmd
}

// loadParams reads the optional YAML file, then applies name=value pairs on
// top. Pair values stay strings and are coerced when the algorithm resolves
// its parameters.
func loadParams(file string, pairs []string) (map[string]any, error) {
	params := map[string]any{}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read params: %w", err)
		}
		if err := yaml.Unmarshal(data, &params); err != nil {
			return nil, fmt.Errorf("parse params %s: %w", file, err)
		}
	}
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --param %q, want name=value", pair)
		}
		params[name] = strings.TrimSpace(value)
	}
	if len(params) == 0 {
		return nil, nil
	}
	return params, nil
}

func newRunsCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs [id]",
		Short: "Show recent runs or the details of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return errors.New("run history is not available")
			}
			out := cmd.OutOrStdout()
			if len(args) == 0 {
				recs, err := root.store.RecentRuns(limit)
				if err != nil {
					return err
				}
				for _, rec := range recs {
					fmt.Fprintf(out, "%-36s %-10s %-13s %-6s %s\n",
						rec.ID, rec.Status, rec.Algorithm, rec.Source, rec.CreatedAt.Format(time.DateTime))
				}
				return nil
			}

			id := args[0]
			rec, err := root.store.Run(id)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Run:       %s\n", rec.ID)
			fmt.Fprintf(out, "Status:    %s\n", rec.Status)
			fmt.Fprintf(out, "Algorithm: %s\n", rec.Algorithm)
			fmt.Fprintf(out, "Output:    %s\n", rec.OutputPath)
			if rec.Error != "" {
				fmt.Fprintf(out, "Error:     %s\n", rec.Error)
			}

			inputs, err := root.store.RunInputs(id)
			if err != nil {
				return err
			}
			if len(inputs) > 0 {
				fmt.Fprintf(out, "\nInputs:\n")
			}
			for _, in := range inputs {
				if in.Valid {
					fmt.Fprintf(out, "  ok        %s\n", in.Path)
				} else {
					fmt.Fprintf(out, "  excluded  %s: %s\n", in.Path, in.Reason)
				}
			}

			issues, err := root.store.RunIssues(id)
			if err != nil {
				return err
			}
			if len(issues) > 0 {
				fmt.Fprintf(out, "\nTile issues:\n")
			}
			for _, is := range issues {
				fmt.Fprintf(out, "  %s at (%d,%d %dx%d): %s\n", is.Path, is.XOff, is.YOff, is.Width, is.Height, is.Message)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to list")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr     string
		watchDir string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start an HTTP server exposing the algorithm catalog, run submission and
history, a websocket and server-sent event feed of finished runs, and
Prometheus metrics.

Examples:
  compositor serve --addr :8080
  compositor serve --addr :8080 --watch /data/incoming`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if addr == "" {
				addr = root.cfg.Server.Addr
			}

			if watchDir != "" {
				w, err := root.newWatcher(watchDir, "", "", "")
				if err != nil {
					return fmt.Errorf("failed to start watcher: %w", err)
				}
				go w.Run(ctx)
			}

			root.log.Info("starting server",
				"addr", addr,
				"watch", watchDir,
				"endpoints", []string{"/healthz", "/api/algorithms", "/api/runs", "/stream", "/ws", "/metrics"},
			)
			return root.serveFn(ctx, addr, root.cfg, root.store, root.pipeline, root.log)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "server address (host:port, default from config)")
	cmd.Flags().StringVar(&watchDir, "watch", "", "also watch this directory for new scenes")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		pattern   string
		algorithm string
		outputDir string
	)

	cmd := &cobra.Command{
		Use:   "watch <directory>",
		Short: "Composite a directory again whenever new scenes arrive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := root.newWatcher(args[0], pattern, algorithm, outputDir)
			if err != nil {
				return err
			}
			return w.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&pattern, "pattern", "", "file name pattern (default from config)")
	cmd.Flags().StringVarP(&algorithm, "algorithm", "a", "", "compositing algorithm (default from config)")
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "directory for composites (default from config)")
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("Compositor v1.0.0")
			cmd.Printf("Algorithms: %s\n", strings.Join(composite.Discover().Names(), ", "))
		},
	}
}

// newWatcher submits every trigger to the pipeline. Empty arguments fall
// back to the configuration.
func (r *Root) newWatcher(dir, pattern, algorithm, outputDir string) (*watch.Watcher, error) {
	if pattern == "" {
		pattern = r.cfg.Scenes.Pattern
	}
	if algorithm == "" {
		algorithm = r.cfg.Processing.Algorithm
	}
	if _, ok := composite.Discover().Lookup(algorithm); !ok {
		return nil, fmt.Errorf("unknown algorithm %q", algorithm)
	}
	if outputDir == "" {
		outputDir = r.cfg.Paths.DefaultOutput
	}
	outputDir, err := config.ExpandPath(outputDir)
	if err != nil {
		return nil, err
	}
	debounce, err := r.cfg.WatchDebounce()
	if err != nil {
		return nil, err
	}
	return watch.New(watch.Options{
		Dir:       dir,
		Pattern:   pattern,
		Algorithm: algorithm,
		Preview:   r.cfg.Preview.Enabled,
		OutputDir: outputDir,
		Debounce:  debounce,
		Logger:    r.log,
	}, r.pipeline.Submit)
}
