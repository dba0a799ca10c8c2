package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"efiretype/internal/services"
	"efiretype/internal/types"
)

func newTablesCmd() *cobra.Command {
	var tablesPath, typesPath string

	cmd := &cobra.Command{
		Use:   "tables",
		Short: "Print the services tables used for matching",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			lib := types.NewLibrary()
			if typesPath != "" {
				var err error
				if lib, err = types.LoadLibrary(typesPath); err != nil {
					return fmt.Errorf("types: %w", err)
				}
			}
			tables, err := loadTables(tablesPath, lib)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, t := range tables {
				fmt.Fprint(out, t.String())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tablesPath, "tables", "", "extra services tables (TOML)")
	cmd.Flags().StringVar(&typesPath, "types", "", "type library resolving field-named entries")
	return cmd
}

// loadTables returns one table per descriptor: the builtin boot and SMM
// tables first, then the catalog's. A catalog descriptor named like a
// builtin replaces it.
func loadTables(catalog string, lib *types.Library) ([]*services.Table, error) {
	descs := []services.Descriptor{services.BootServices, services.SmmServices}
	if catalog != "" {
		extra, err := services.LoadCatalog(catalog, lib)
		if err != nil {
			return nil, err
		}
		for _, d := range extra {
			replaced := false
			for i := range descs {
				if descs[i].Name == d.Name {
					descs[i] = d
					replaced = true
				}
			}
			if !replaced {
				descs = append(descs, d)
			}
		}
		fmt.Fprintf(os.Stderr, "tables: %d descriptors from %s\n", len(extra), catalog)
	}

	tables := make([]*services.Table, 0, len(descs))
	for _, d := range descs {
		b := services.NewBuilder()
		if err := b.Register(d); err != nil {
			return nil, err
		}
		tables = append(tables, b.Build())
	}
	return tables, nil
}
