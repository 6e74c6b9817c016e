// Package dispatch runs one compiler process per kernel unit with a bounded
// number of processes in flight, and the single archiver step of a library
// build.
//
// Two join disciplines are available. JoinDrain, the default, inspects
// outcomes in unit order and, after the first failure, stops spawning but
// waits for every process that is already running. JoinFailFast returns on
// the first failure observed and cancels the context shared by its siblings,
// which kills their processes.
package dispatch
