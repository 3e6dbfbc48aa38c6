package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"atlasmerge/pkg/config"
	"atlasmerge/pkg/hierarchy"
	"atlasmerge/pkg/logging"
	"atlasmerge/pkg/merge"
)

// app carries the state shared by all subcommands.
type app struct {
	configPath  string
	cores       int
	auditDir    string
	metricsFile string
	logLevel    string
	previews    bool

	cfg       *config.Config
	logCloser io.Closer
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "atlasmerge",
		Short: "Reconcile two brain atlas annotation volumes",
		Long: `atlasmerge rewrites the region ids of two annotation volumes registered
to the same space so that both use a common set of regions of a shared
ontology.

Coarse mode reconciles region ids only. Fine mode additionally reassigns
voxels at region boundaries to their nearest kept neighbour.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.logCloser != nil {
				return a.logCloser.Close()
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "atlasmerge.yaml", "configuration file")
	flags.IntVar(&a.cores, "cores", 0, "number of CPU cores to use (default: from config)")
	flags.StringVar(&a.auditDir, "audit-dir", "", "write the audit trail into this directory")
	flags.StringVar(&a.metricsFile, "metrics-file", "", "write Prometheus metrics to this textfile")
	flags.BoolVar(&a.previews, "previews", false, "add PNG slice previews to the audit trail")
	flags.StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		a.mergeCmd(merge.Coarse),
		a.mergeCmd(merge.Fine),
		a.inspectCmd(),
		a.configCmd(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	closer, err := logging.Configure(cfg.Log)
	if err != nil {
		return fmt.Errorf("configuring logging: %w", err)
	}
	a.cfg, a.logCloser = cfg, closer
	return nil
}

func (a *app) params(mode merge.Mode, args []string) (*merge.Params, error) {
	overrides, err := a.cfg.ReconcileOverrides()
	if err != nil {
		return nil, err
	}
	p := &merge.Params{
		Mode:           mode,
		InputA:         args[0],
		InputB:         args[1],
		OntologyFile:   args[2],
		OutputA:        args[3],
		OutputB:        args[4],
		NumCores:       a.cfg.Processing.NumCores,
		EdgeBudget:     a.cfg.Processing.EdgeBudget,
		Sentinels:      a.cfg.Reconcile.SentinelIDs,
		MaxIterations:  a.cfg.Reconcile.MaxIterations,
		ExtraOverrides: overrides,
		Compress:       a.cfg.Output.Compress,
		SaveAudit:      a.cfg.Output.SaveAudit,
		AuditDir:       a.cfg.Output.AuditDir,
		SavePreviews:   a.cfg.Output.SavePreviews,
		MetricsFile:    a.cfg.Output.MetricsFile,
	}
	if a.cores > 0 {
		p.NumCores = a.cores
	}
	if a.auditDir != "" {
		p.SaveAudit, p.AuditDir = true, a.auditDir
	}
	if a.metricsFile != "" {
		p.MetricsFile = a.metricsFile
	}
	if a.previews {
		p.SavePreviews = true
	}
	return p, nil
}

func (a *app) mergeCmd(mode merge.Mode) *cobra.Command {
	short := "Reconcile region ids of two annotation volumes"
	if mode == merge.Fine {
		short = "Reconcile region ids with voxel-level edge correction"
	}
	return &cobra.Command{
		Use:   string(mode) + " A.nrrd B.nrrd ontology.json outA.nrrd outB.nrrd",
		Short: short,
		Args:  cobra.ExactArgs(5),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.params(mode, args)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "================================")
			fmt.Fprintf(out, "ATLAS MERGE (%s)\n", strings.ToUpper(string(mode)))
			fmt.Fprintln(out, "================================")

			m := merge.NewMerger(p)
			start := time.Now()
			if err := m.Process(cmd.Context()); err != nil {
				return fmt.Errorf("%s merge failed: %w", mode, err)
			}
			printSummary(out, m.Report(), p, time.Since(start))
			return nil
		},
	}
}

func printSummary(out io.Writer, r merge.Report, p *merge.Params, took time.Duration) {
	fmt.Fprintf(out, "\nMerge completed in %.2f seconds (run %s)\n", took.Seconds(), r.RunID)
	fmt.Fprintf(out, "Outputs saved to: %s, %s\n\n", p.OutputA, p.OutputB)
	fmt.Fprintf(out, "Regions:        A %d -> %d, B %d -> %d\n", r.IDsBefore[0], r.IDsAfter[0], r.IDsBefore[1], r.IDsAfter[1])
	fmt.Fprintf(out, "Voxels changed: A %s, B %s\n", humanize.Comma(int64(r.VoxelsChanged[0])), humanize.Comma(int64(r.VoxelsChanged[1])))
	fmt.Fprintf(out, "Substitutions:  %d\n", r.Changes)
	for _, pass := range r.Passes {
		fmt.Fprintf(out, "Convergence %s: %d iterations\n", pass.Direction, pass.Iterations)
	}
	if len(r.Edge) > 0 {
		fmt.Fprintf(out, "Edge correction: mean corrected fraction %.3f (std %.3f)\n", r.EdgeFractionMean, r.EdgeFractionStdDev)
	}
	if p.SaveAudit {
		fmt.Fprintf(out, "Audit trail: %s\n", p.AuditDir)
	}
}

func (a *app) inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect ontology.json [id|acronym]",
		Short: "Show the ontology or a single region",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := hierarchy.LoadJSON(args[0])
			if err != nil {
				return fmt.Errorf("loading ontology: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				fmt.Fprintf(out, "%d regions, root %d (%s), max depth %d\n",
					h.Size(), h.RootID(), h.Name(h.RootID()), h.MaxDepth())
				return nil
			}

			id, ok := resolveRegion(h, args[1])
			if !ok {
				return fmt.Errorf("unknown region %q", args[1])
			}
			n, _ := h.Node(id)
			fmt.Fprintf(out, "%d %s (%s)\n", n.ID, n.Name, n.Acronym)
			fmt.Fprintf(out, "  depth:    %d\n", n.Depth)
			if parent, ok := h.Parent(id); ok {
				fmt.Fprintf(out, "  parent:   %d %s\n", parent, h.Name(parent))
			}
			fmt.Fprintf(out, "  leaf:     %t\n", h.IsLeaf(id))
			for _, c := range h.Children(id) {
				fmt.Fprintf(out, "  child:    %d %s\n", c, h.Name(c))
			}
			return nil
		},
	}
}

func resolveRegion(h *hierarchy.Hierarchy, arg string) (uint32, bool) {
	if v, err := strconv.ParseUint(arg, 10, 32); err == nil {
		id := uint32(v)
		return id, h.IsValid(id)
	}
	return h.FindByAcronym(arg)
}

func (a *app) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
		// The file may be missing or invalid here, so it is not loaded.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if a.logLevel != "" {
				cfg.Log.Level = a.logLevel
			}
			closer, err := logging.Configure(cfg.Log)
			if err != nil {
				return fmt.Errorf("configuring logging: %w", err)
			}
			a.logCloser = closer
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.CreateDefaultConfigFile(a.configPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Default configuration written to %s\n", a.configPath)
			return nil
		},
	})
	return cmd
}
