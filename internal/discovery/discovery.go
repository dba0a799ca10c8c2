// Package discovery reads the protocol records emitted by the upstream
// protocol-discovery stage.
package discovery

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"efiretype/internal/ctree"
	"efiretype/internal/guid"
)

// Record is one call site that requests a protocol interface.
type Record struct {
	CallSite ctree.Addr `json:"ea"`
	Owner    ctree.Addr `json:"func_ea,omitempty"`
	Service  string     `json:"service"`
	GUID     guid.GUID  `json:"guid"`
	GUIDAddr ctree.Addr `json:"address,omitempty"`
	ProtName string     `json:"prot_name,omitempty"`
	Module   string     `json:"module,omitempty"`
}

// InterfaceName is the interface structure name implied by the protocol
// name: "EFI_SMM_BASE2_PROTOCOL_GUID" names "EFI_SMM_BASE2_PROTOCOL".
// It returns "" when the record carries no usable name.
func (r Record) InterfaceName() string {
	n := strings.TrimSpace(r.ProtName)
	if n == "" || strings.HasPrefix(n, "ProprietaryProtocol") {
		return ""
	}
	return strings.TrimSuffix(n, "_GUID")
}

func (r Record) String() string {
	return fmt.Sprintf("%s %s %s", r.CallSite, r.Service, r.GUID)
}

// Load reads a discovery report. The file is either a JSON array of
// records or an object with a "protocols" array.
func Load(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("discovery: read %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) ([]Record, error) {
	var recs []Record
	if err := json.Unmarshal(data, &recs); err == nil {
		return recs, nil
	}
	var report struct {
		Protocols []Record `json:"protocols"`
	}
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("discovery: decode report: %w", err)
	}
	return report.Protocols, nil
}

// Group is the set of records owned by one function.
type Group struct {
	Func    uint64
	Records []Record
}

// OwnerLookup maps an address to the start of the function containing it.
type OwnerLookup func(ea uint64) (uint64, bool)

// GroupByOwner partitions records by owning function, dropping exact
// duplicates. Records without an owner are assigned through lookup; those
// still unowned are returned separately. Groups are ordered by address.
func GroupByOwner(recs []Record, lookup OwnerLookup) (groups []Group, unowned []Record) {
	byFunc := make(map[uint64][]Record)
	seen := make(map[Record]bool, len(recs))
	for _, r := range recs {
		if seen[r] {
			continue
		}
		seen[r] = true

		owner := uint64(r.Owner)
		if owner == 0 && lookup != nil {
			if fn, ok := lookup(uint64(r.CallSite)); ok {
				owner = fn
			}
		}
		if owner == 0 {
			unowned = append(unowned, r)
			continue
		}
		r.Owner = ctree.Addr(owner)
		byFunc[owner] = append(byFunc[owner], r)
	}

	for fn, rs := range byFunc {
		sort.SliceStable(rs, func(i, j int) bool { return rs[i].CallSite < rs[j].CallSite })
		groups = append(groups, Group{Func: fn, Records: rs})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Func < groups[j].Func })
	return groups, unowned
}
