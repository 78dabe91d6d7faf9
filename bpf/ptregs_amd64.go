package bpf

// Offsets into struct pt_regs of the registers carrying the first five
// function arguments (di, si, dx, cx, r8).
var kprobeArgOffsets = []int16{112, 104, 96, 88, 72}
