// Package callsite decodes the x86-64 instruction at a protocol call address
// to recover the services-table slot it dispatches through.
package callsite

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// MaxInstLen is the longest x86 encoding; read this many bytes at a call
// address before decoding.
const MaxInstLen = 15

var (
	ErrDecode      = errors.New("callsite: undecodable instruction")
	ErrNotCall     = errors.New("callsite: not a call")
	ErrNotIndirect = errors.New("callsite: not a call through a register-based slot")
)

// Site is a decoded "call qword ptr [reg+disp]".
type Site struct {
	PC   uint64 `json:"pc"`
	Len  int    `json:"len"`
	Base string `json:"base"`
	Disp uint64 `json:"disp"`
	Text string `json:"text"`
}

// Decode decodes the 64-bit instruction in code located at pc.
func Decode(code []byte, pc uint64) (Site, error) {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return Site{}, fmt.Errorf("%w at 0x%x: %v", ErrDecode, pc, err)
	}
	text := x86asm.IntelSyntax(inst, pc, nil)
	if inst.Op != x86asm.CALL {
		return Site{}, fmt.Errorf("%w at 0x%x: %s", ErrNotCall, pc, text)
	}

	mem, ok := inst.Args[0].(x86asm.Mem)
	// RIP-relative calls go through a global, not a table held in a register.
	if !ok || mem.Base == 0 || mem.Base == x86asm.RIP || mem.Index != 0 || mem.Disp < 0 {
		return Site{}, fmt.Errorf("%w at 0x%x: %s", ErrNotIndirect, pc, text)
	}
	return Site{
		PC:   pc,
		Len:  inst.Len,
		Base: mem.Base.String(),
		Disp: uint64(mem.Disp),
		Text: text,
	}, nil
}

// Dispatches reports whether s calls through one of the given slot offsets.
func (s Site) Dispatches(offsets []uint64) bool {
	for _, off := range offsets {
		if s.Disp == off {
			return true
		}
	}
	return false
}
