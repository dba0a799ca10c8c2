package callsite

import (
	"errors"
	"testing"
)

func TestDecodeTableCall(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		base string
		disp uint64
		n    int
	}{
		// call qword ptr [rax+0x140]
		{"disp32", []byte{0xFF, 0x90, 0x40, 0x01, 0x00, 0x00}, "RAX", 0x140, 6},
		// call qword ptr [rax+0x18]
		{"disp8", []byte{0xFF, 0x50, 0x18}, "RAX", 0x18, 3},
		// call qword ptr [r8+0xd0]
		{"rex", []byte{0x41, 0xFF, 0x90, 0xD0, 0x00, 0x00, 0x00}, "R8", 0xd0, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Trailing bytes must not affect the first instruction.
			code := append(append([]byte{}, tt.code...), 0x90, 0x90)
			s, err := Decode(code, 0x1000)
			if err != nil {
				t.Fatal(err)
			}
			if s.Base != tt.base || s.Disp != tt.disp || s.Len != tt.n || s.PC != 0x1000 {
				t.Errorf("Decode = %+v", s)
			}
		})
	}
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		want error
	}{
		{"nop", []byte{0x90}, ErrNotCall},
		// call rel32
		{"direct", []byte{0xE8, 0x00, 0x10, 0x00, 0x00}, ErrNotIndirect},
		// call rax
		{"register", []byte{0xFF, 0xD0}, ErrNotIndirect},
		// call qword ptr [rip+0x100]
		{"rip", []byte{0xFF, 0x15, 0x00, 0x01, 0x00, 0x00}, ErrNotIndirect},
		{"empty", nil, ErrDecode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.code, 0x2000)
			if !errors.Is(err, tt.want) {
				t.Errorf("Decode err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDispatches(t *testing.T) {
	s := Site{Disp: 0x140}
	if !s.Dispatches([]uint64{0x98, 0x140}) {
		t.Error("0x140 not matched")
	}
	if s.Dispatches([]uint64{0x98}) {
		t.Error("0x98 matched 0x140")
	}
}
