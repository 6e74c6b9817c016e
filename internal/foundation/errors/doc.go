// Package errors provides the classified error primitives used across kernelforge.
//
// Every failure surfaced by a build is a ClassifiedError carrying a category
// (config, toolchain, compile, link, filesystem, ...), a severity, a retry
// strategy and a structured context map. Build errors are always fatal and never
// retried.
//
// Example usage:
//
//	err := errors.WrapError(cause, errors.CategoryCompile, "nvcc error while compiling").
//		WithContext("unit", "src/attention.cu").
//		Fatal().
//		Build()
package errors
