package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"efiretype/internal/guid"
	"efiretype/internal/guiddb"
	"efiretype/internal/types"
)

func newGUIDCmd() *cobra.Command {
	var guidsPath, typesPath string

	cmd := &cobra.Command{
		Use:   "guid <name|guid>...",
		Short: "Look up protocol GUIDs by name or value",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if guidsPath == "" {
				return fmt.Errorf("--guids is required")
			}
			db, err := guiddb.Load(guidsPath)
			if err != nil {
				return err
			}
			var lib *types.Library
			if typesPath != "" {
				if lib, err = types.LoadLibrary(typesPath); err != nil {
					return fmt.Errorf("types: %w", err)
				}
			}
			dir := &guiddb.Directory{DB: db, Lib: lib}

			out := cmd.OutOrStdout()
			for _, arg := range args {
				g, name, ok := resolveGUIDArg(db, arg)
				if !ok {
					fmt.Fprintf(out, "%s\tunknown\n", arg)
					continue
				}
				line := fmt.Sprintf("%s\t%s", g, name)
				if t, ok := dir.ResolveInterfaceType(g); ok {
					line += "\t" + t.String()
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&guidsPath, "guids", "", "GUID name database (guids.json)")
	cmd.Flags().StringVar(&typesPath, "types", "", "type library for interface resolution")
	return cmd
}

// resolveGUIDArg accepts a registry-form GUID or a database name.
func resolveGUIDArg(db *guiddb.DB, arg string) (guid.GUID, string, bool) {
	if g, err := guid.Parse(arg); err == nil {
		name, ok := db.Name(g)
		return g, name, ok
	}
	name := strings.TrimSpace(arg)
	if g, ok := db.Lookup(name); ok {
		return g, name, true
	}
	if g, ok := db.Lookup(name + "_GUID"); ok {
		return g, name + "_GUID", true
	}
	return guid.GUID{}, "", false
}
