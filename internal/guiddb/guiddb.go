// Package guiddb maps protocol GUIDs to names and interface types.
package guiddb

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"efiretype/internal/guid"
	"efiretype/internal/types"
)

// DB is a GUID name database. The JSON form is an object from names such as
// "EFI_SMM_BASE2_PROTOCOL_GUID" to either the string form of the GUID or the
// 11-integer array form.
type DB struct {
	byGUID map[guid.GUID]string
	byName map[string]guid.GUID
}

func New() *DB {
	return &DB{byGUID: make(map[guid.GUID]string), byName: make(map[string]guid.GUID)}
}

func Load(path string) (*DB, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("guiddb: read %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*DB, error) {
	var raw map[string]guid.GUID
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("guiddb: decode: %w", err)
	}
	db := New()
	for name, g := range raw {
		db.Add(name, g)
	}
	return db, nil
}

// Add registers name for g. When several names share a GUID the
// lexically smallest is kept as its primary name.
func (db *DB) Add(name string, g guid.GUID) {
	db.byName[name] = g
	if prev, ok := db.byGUID[g]; !ok || name < prev {
		db.byGUID[g] = name
	}
}

func (db *DB) Len() int { return len(db.byName) }

// Name returns the primary name of g.
func (db *DB) Name(g guid.GUID) (string, bool) {
	n, ok := db.byGUID[g]
	return n, ok
}

// Lookup returns the GUID registered under name.
func (db *DB) Lookup(name string) (guid.GUID, bool) {
	g, ok := db.byName[name]
	return g, ok
}

// Names returns all names in sorted order.
func (db *DB) Names() []string {
	names := make([]string, 0, len(db.byName))
	for n := range db.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Directory resolves interface types: a GUID named "X_GUID" maps to a
// pointer to the structure X of the type library.
type Directory struct {
	DB  *DB
	Lib *types.Library
}

// ResolveInterfaceType implements retype.Directory. GUIDs whose interface
// structure the library does not define resolve to nothing.
func (d *Directory) ResolveInterfaceType(g guid.GUID) (types.Type, bool) {
	name, ok := d.DB.Name(g)
	if !ok || d.Lib == nil {
		return nil, false
	}
	t, ok := d.Lib.Lookup(strings.TrimSuffix(name, "_GUID"))
	if !ok {
		return nil, false
	}
	if s, isStruct := types.Underlying(t).(*types.Struct); !isStruct || s.Opaque {
		return nil, false
	}
	return types.PointerTo(t, 1), true
}
