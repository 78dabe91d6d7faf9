package bpf

// Offsets into struct user_pt_regs of x0 to x4.
var kprobeArgOffsets = []int16{0, 8, 16, 24, 32}
