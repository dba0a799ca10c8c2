package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/apex/log"
	"github.com/spf13/cobra"
	"github.com/zboralski/lattice/render"

	"efiretype/internal/callgraph"
	"efiretype/internal/ctree"
	"efiretype/internal/diag"
	"efiretype/internal/discovery"
	"efiretype/internal/guiddb"
	"efiretype/internal/irdump"
	"efiretype/internal/lvars"
	"efiretype/internal/output"
	"efiretype/internal/peimage"
	"efiretype/internal/retype"
	"efiretype/internal/types"
)

// LVarsFile holds the saved variable types inside the output directory.
const LVarsFile = "lvars.json"

type applyOptions struct {
	protocols   string
	irDir       string
	typesPath   string
	guidsPath   string
	tablesPath  string
	imagePath   string
	outDir      string
	jobs        int
	graph       bool
	maxPtrDepth int
}

func newApplyCmd() *cobra.Command {
	var opts applyOptions

	cmd := &cobra.Command{
		Use:   "apply --protocols <report.json> --ir <dir> --out <dir>",
		Short: "Retype the interface variables of every discovered protocol call",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.protocols == "" {
				return fmt.Errorf("--protocols is required")
			}
			if opts.irDir == "" {
				return fmt.Errorf("--ir is required")
			}
			if opts.outDir == "" {
				return fmt.Errorf("--out is required")
			}
			return runApply(cmd.Context(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.protocols, "protocols", "", "discovery report (JSON)")
	f.StringVar(&opts.irDir, "ir", "", "directory of decompiled function dumps")
	f.StringVar(&opts.typesPath, "types", "", "type library (JSON)")
	f.StringVar(&opts.guidsPath, "guids", "", "GUID name database (guids.json)")
	f.StringVar(&opts.tablesPath, "tables", "", "extra services tables (TOML)")
	f.StringVar(&opts.imagePath, "image", "", "PE image the dumps were produced from")
	f.StringVar(&opts.outDir, "out", "", "output directory")
	f.IntVarP(&opts.jobs, "jobs", "j", 1, "functions processed concurrently")
	f.BoolVar(&opts.graph, "graph", false, "also write retype graph and CFG DOT files")
	f.IntVar(&opts.maxPtrDepth, "max-ptr-depth", retype.DefaultMaxPtrDepth, "pointer levels allowed on array elements")
	return cmd
}

func runApply(ctx context.Context, opts applyOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}

	lib := types.NewLibrary()
	if opts.typesPath != "" {
		var err error
		if lib, err = types.LoadLibrary(opts.typesPath); err != nil {
			return fmt.Errorf("types: %w", err)
		}
		fmt.Fprintf(os.Stderr, "types: %d names from %s\n", len(lib.Names()), opts.typesPath)
	}

	tables, err := loadTables(opts.tablesPath, lib)
	if err != nil {
		return err
	}

	db := guiddb.New()
	if opts.guidsPath != "" {
		if db, err = guiddb.Load(opts.guidsPath); err != nil {
			return fmt.Errorf("guids: %w", err)
		}
		fmt.Fprintf(os.Stderr, "guids: %d names from %s\n", db.Len(), opts.guidsPath)
	}

	recs, err := discovery.Load(opts.protocols)
	if err != nil {
		return fmt.Errorf("protocols: %w", err)
	}
	fmt.Fprintf(os.Stderr, "protocols: %d records\n", len(recs))

	if err := os.MkdirAll(opts.outDir, 0755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	lvarsPath := filepath.Join(opts.outDir, LVarsFile)
	store, err := lvars.Load(lvarsPath, lib)
	if err != nil {
		return err
	}

	dir, err := irdump.Open(opts.irDir, lib, store)
	if err != nil {
		return err
	}

	host := &retype.Host{
		Decompiler: dir,
		Writer:     store,
		Directory:  &guiddb.Directory{DB: db, Lib: lib},
		Types:      lib,
	}
	if len(dir.Funcs()) > 0 {
		host.Owner = dir.Owner
	}
	if opts.imagePath != "" {
		img, err := peimage.Open(opts.imagePath)
		if err != nil {
			return fmt.Errorf("image: %w", err)
		}
		defer img.Close()
		host.GUIDs = img
		host.Code = img
		fmt.Fprintf(os.Stderr, "image: %s (base 0x%x)\n", opts.imagePath, img.ImageBase())
	}

	drv := &retype.Driver{
		Tables:      tables,
		Host:        host,
		MaxPtrDepth: opts.maxPtrDepth,
		Diags:       &diag.Diags{},
	}
	sum, err := drv.RunParallel(ctx, recs, opts.jobs)
	if err != nil {
		return err
	}

	if err := output.WriteRetypes(opts.outDir, sum.Results); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "wrote %s (%d retypes)\n", filepath.Join(opts.outDir, output.RetypesFile), len(sum.Results))

	items := drv.Diags.Items()
	if err := output.WriteDiags(opts.outDir, items); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "wrote %s (%d diagnostics)\n", filepath.Join(opts.outDir, output.DiagsFile), len(items))

	if err := output.WriteSummary(opts.outDir, sum); err != nil {
		return err
	}
	if err := store.Save(lvarsPath); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "wrote %s (%d saved types)\n", lvarsPath, len(store.Entries()))

	if opts.graph {
		if err := writeGraphs(opts.outDir, dir, sum.Results); err != nil {
			return err
		}
	}

	fmt.Fprintf(os.Stderr, "retyped %d of %d records in %d functions (%d decompiled)\n",
		sum.Retyped, sum.Records, sum.Functions, sum.Decompiled)
	return nil
}

// writeGraphs renders the retype graph and the CFGs of every retyped
// function. Functions are decompiled again so the saved types show.
func writeGraphs(outDir string, dec retype.Decompiler, results []retype.Result) error {
	g := callgraph.BuildRetypeGraph(results)
	if err := output.WriteDOT(outDir, output.GraphFile, render.DOT(g, "protocol retypes")); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "wrote %s (%d nodes, %d edges)\n",
		filepath.Join(outDir, output.GraphFile), len(g.Nodes), len(g.Edges))

	seen := make(map[ctree.Addr]bool)
	var eas []ctree.Addr
	for _, r := range results {
		if !seen[r.Func] {
			seen[r.Func] = true
			eas = append(eas, r.Func)
		}
	}
	sort.Slice(eas, func(i, j int) bool { return eas[i] < eas[j] })

	var funcs []*ctree.Func
	for _, ea := range eas {
		fn, err := dec.Decompile(uint64(ea))
		if err != nil {
			if errors.Is(err, retype.ErrDecompilationFailed) {
				log.WithError(err).WithField("func", ea.String()).Warn("skipping CFG")
				continue
			}
			return err
		}
		funcs = append(funcs, fn)
	}
	cfg := callgraph.BuildCFG(funcs, results)
	if err := output.WriteDOT(outDir, output.CFGFile, render.DOTCFG(cfg, "retyped functions")); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "wrote %s (%d functions)\n", filepath.Join(outDir, output.CFGFile), len(cfg.Funcs))
	return nil
}
