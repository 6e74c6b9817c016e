// Package toolchain runs the external CUDA binaries (nvcc, nvidia-smi) and
// builds their command lines.
//
// Processes are started and waited on separately (Runner.Start, Process.Wait)
// so callers can choose between waiting on each process as it is spawned and
// spawning a batch before draining it in order. Standard output and standard
// error are always captured in full; a failed invocation is reported with the
// reconstructed command line and both streams verbatim.
package toolchain
