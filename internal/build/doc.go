// Package build provides the canonical kernel build pipeline for kernelforge.
//
// A build resolves the target compute capability, finds the stale units,
// compiles them through nvcc with bounded concurrency and then either writes
// the generated bindings (PTX mode) or archives the objects into a static
// library (library mode). The CLI and watch mode both route through Service.
package build
