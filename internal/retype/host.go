// Package retype recovers protocol interface types for local variables by
// matching services-table calls in decompiled functions against the
// protocol records found by discovery.
package retype

import (
	"errors"

	"efiretype/internal/ctree"
	"efiretype/internal/discovery"
	"efiretype/internal/guid"
	"efiretype/internal/types"
)

var (
	ErrDecompilationFailed = errors.New("retype: decompilation failed")
	ErrUnresolvedGUID      = errors.New("retype: unresolved guid")
	ErrUnresolvedTarget    = errors.New("retype: unresolved target")
	ErrTypeWriteRejected   = errors.New("retype: type write rejected")
)

// Decompiler produces the tree of the function starting at funcEA. Failures
// should wrap ErrDecompilationFailed.
type Decompiler interface {
	Decompile(funcEA uint64) (*ctree.Func, error)
}

// TypeWriter persists a local variable type. Failures should wrap
// ErrTypeWriteRejected. Implementations used with RunParallel must be safe
// for concurrent use.
type TypeWriter interface {
	SetVariableType(funcEA uint64, v ctree.VarHandle, t types.Type) error
}

// Directory maps a protocol GUID to its interface pointer type. A missing
// entry is not an error.
type Directory interface {
	ResolveInterfaceType(g guid.GUID) (types.Type, bool)
}

// GUIDReader dereferences a GUID stored in the image at ea.
type GUIDReader interface {
	ReadGUID(ea uint64) (guid.GUID, error)
}

// CodeReader returns raw image bytes at a virtual address.
type CodeReader interface {
	ReadBytesAtVA(va uint64, n int) ([]byte, error)
}

// Host bundles the collaborators the driver calls into. Decompiler, Writer
// and Directory are required.
type Host struct {
	Decompiler Decompiler
	Writer     TypeWriter
	Directory  Directory

	// Types resolves interface names carried by records.
	Types *types.Library
	// GUIDs dereferences symbolic GUID operands; without it the GUID is
	// taken from a record whose GUID address matches the operand.
	GUIDs GUIDReader
	// Code enables the call-site dispatch check.
	Code CodeReader
	// Owner assigns records that lack an owning function.
	Owner discovery.OwnerLookup
}
