package frontend

import "github.com/vex86/coregrind-go/core"

// clientRequestMagic is the six-instruction EAX-rotation sequence from
// original_source/include/valgrind.h's VALGRIND_MAGIC_SEQUENCE, taken
// verbatim (not reconstructed from the spec prose) since it *is* the
// client-request ABI (spec.md §6): a net-zero rotation of %eax by
// 29+3-27-5+13+19 = 32 bits, encoded as six `C1 /r ib` shift-group
// instructions operating on EAX.
var clientRequestMagic = []byte{
	0xC1, 0xC0, 0x1D, // roll $29, %eax
	0xC1, 0xC0, 0x03, // roll $3,  %eax
	0xC1, 0xC8, 0x1B, // rorl $27, %eax
	0xC1, 0xC8, 0x05, // rorl $5,  %eax
	0xC1, 0xC0, 0x0D, // roll $13, %eax
	0xC1, 0xC0, 0x13, // roll $19, %eax
}

// matchClientRequestMagic reports whether the magic sequence starts at
// addr, and if so its length in bytes.
func matchClientRequestMagic(mem core.GuestMemory, addr uint32) (int, bool) {
	if !mem.Addressable(addr, len(clientRequestMagic)) {
		return 0, false
	}
	for i, want := range clientRequestMagic {
		if mem.Read8(addr+uint32(i)) != want {
			return 0, false
		}
	}
	return len(clientRequestMagic), true
}
