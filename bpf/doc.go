// Package bpf provides an interface for interacting with the kernelspace components
// of the skbtrace program.
//
// BuildImage assembles the per-backend entry stubs and links the module hook
// into them. Load then loads the resulting collection into the kernel and
// exposes the attach primitives used by package attach. Events written by the
// stubs are read back with a PerfReader and decoded with DecodeEvent.
//
// This package is intended as an interface to kernelspace, without containing specific
// business logic.
package bpf
