package services

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"efiretype/internal/types"
)

// BootServices describes the EFI_BOOT_SERVICES members that hand out
// protocol interfaces.
var BootServices = Descriptor{
	Name: "EFI_BOOT_SERVICES",
	Funcs: []TargetFunc{
		{Name: "HandleProtocol", Offset: 0x98, Args: 3, GUIDArg: 1, IfaceArg: 2},
		{Name: "LocateProtocol", Offset: 0x140, Args: 3, GUIDArg: 0, IfaceArg: 2},
		{Name: "OpenProtocol", Offset: 0x118, Args: 6, GUIDArg: 1, IfaceArg: 2},
	},
}

// SmmServices is the SMM counterpart on _EFI_SMM_SYSTEM_TABLE2.
var SmmServices = Descriptor{
	Name: "_EFI_SMM_SYSTEM_TABLE2",
	Funcs: []TargetFunc{
		{Name: "SmmHandleProtocol", Offset: 0xb8, Args: 3, GUIDArg: 1, IfaceArg: 2},
		{Name: "SmmLocateProtocol", Offset: 0xd0, Args: 3, GUIDArg: 0, IfaceArg: 2},
	},
}

// Defaults returns one freshly built table per builtin descriptor.
func Defaults() []*Table {
	var tables []*Table
	for _, d := range []Descriptor{BootServices, SmmServices} {
		b := NewBuilder()
		if err := b.Register(d); err != nil {
			panic(err) // builtin catalog
		}
		tables = append(tables, b.Build())
	}
	return tables
}

// FuncSpec is a TargetFunc whose offset is given by member name.
type FuncSpec struct {
	Field    string
	Args     int
	GUIDArg  int
	IfaceArg int
}

// FromStruct builds a descriptor for st, deriving each offset from the
// structure layout.
func FromStruct(st types.Type, specs []FuncSpec) (Descriptor, error) {
	d := Descriptor{Name: types.Underlying(st).String()}
	for _, s := range specs {
		off, err := types.FieldOffset(st, s.Field)
		if err != nil {
			return Descriptor{}, fmt.Errorf("services: %s: %w", d.Name, err)
		}
		d.Funcs = append(d.Funcs, TargetFunc{
			Name:     s.Field,
			Offset:   off,
			Args:     s.Args,
			GUIDArg:  s.GUIDArg,
			IfaceArg: s.IfaceArg,
		})
	}
	return d, nil
}

// catalogFile is the TOML layout:
//
//	[[table]]
//	name = "EFI_PEI_SERVICES"
//	  [[table.func]]
//	  name = "LocatePpi"
//	  offset = 0x20        # or: field = "LocatePpi"
//	  args = 5
//	  guid_arg = 1
//	  iface_arg = 4
type catalogFile struct {
	Table []struct {
		Name string `toml:"name"`
		Func []struct {
			Name     string `toml:"name"`
			Offset   *int64 `toml:"offset"`
			Field    string `toml:"field"`
			Args     int    `toml:"args"`
			GUIDArg  int    `toml:"guid_arg"`
			IfaceArg int    `toml:"iface_arg"`
		} `toml:"func"`
	} `toml:"table"`
}

// LoadCatalog reads extra descriptors from a TOML file. Entries given by
// field name are resolved against lib, which may be nil when every entry
// carries an explicit offset.
func LoadCatalog(path string, lib *types.Library) ([]Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("services: read %s: %w", path, err)
	}
	return ParseCatalog(string(data), lib)
}

// ParseCatalog decodes TOML catalog text. Every descriptor is validated.
func ParseCatalog(text string, lib *types.Library) ([]Descriptor, error) {
	var cf catalogFile
	if _, err := toml.Decode(text, &cf); err != nil {
		return nil, fmt.Errorf("services: decode catalog: %w", err)
	}

	var out []Descriptor
	for _, tbl := range cf.Table {
		d := Descriptor{Name: tbl.Name}
		for _, fn := range tbl.Func {
			tf := TargetFunc{
				Name:     fn.Name,
				Args:     fn.Args,
				GUIDArg:  fn.GUIDArg,
				IfaceArg: fn.IfaceArg,
			}
			switch {
			case fn.Offset != nil:
				if *fn.Offset < 0 {
					return nil, fmt.Errorf("%w: %s.%s: negative offset", ErrInvalidDescriptor, tbl.Name, fn.Name)
				}
				tf.Offset = uint64(*fn.Offset)
			case fn.Field != "":
				off, err := resolveField(lib, tbl.Name, fn.Field)
				if err != nil {
					return nil, err
				}
				tf.Offset = off
				if tf.Name == "" {
					tf.Name = fn.Field
				}
			default:
				return nil, fmt.Errorf("%w: %s.%s: neither offset nor field", ErrInvalidDescriptor, tbl.Name, fn.Name)
			}
			d.Funcs = append(d.Funcs, tf)
		}
		if err := d.Validate(); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func resolveField(lib *types.Library, table, field string) (uint64, error) {
	if lib == nil {
		return 0, fmt.Errorf("services: %s.%s: no type library to resolve field", table, field)
	}
	st, ok := lib.Lookup(table)
	if !ok {
		return 0, fmt.Errorf("services: %s: %w: type not in library", table, types.ErrIntrospection)
	}
	off, err := types.FieldOffset(st, field)
	if err != nil {
		return 0, fmt.Errorf("services: %w", err)
	}
	return off, nil
}
