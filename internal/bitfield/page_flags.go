package bitfield

// PageFlags is a per-frame flag word packed into a single uint32, one bit
// per boolean flag, Reserved soaking up the rest for future use (spec.md
// §3 Physical frame). internal/pmm does not use it; it packs its own
// FrameFlags word with the same Pack/Unpack.
type PageFlags struct {
	// Allocated marks the frame as currently handed out by the allocator.
	Allocated bool `bitfield:",1"`

	// KernelPage marks a frame mapped only in the kernel's own translation
	// regime, never handed to a user address space.
	KernelPage bool `bitfield:",1"`

	// Reserved soaks up the remaining bits of the word.
	Reserved uint32 `bitfield:",30"`
}

var pageFlagsConfig = &Config{NumBits: 32}

// PackPageFlags packs f into a 32-bit word.
func PackPageFlags(f PageFlags) (uint32, error) {
	packed, err := Pack(f, pageFlagsConfig)
	if err != nil {
		return 0, err
	}
	return uint32(packed), nil
}

// UnpackPageFlags is PackPageFlags's inverse. Malformed input cannot occur —
// every bit pattern in a 32-bit word is a valid PageFlags — so, unlike Pack,
// it has no error to report.
func UnpackPageFlags(packed uint32) PageFlags {
	var f PageFlags
	// Unpack only fails on a non-struct-pointer target, a malformed tag,
	// an unsupported field type or a layout wider than NumBits, none of
	// which can happen for a local PageFlags value.
	_ = Unpack(uint64(packed), &f, pageFlagsConfig)
	return f
}
