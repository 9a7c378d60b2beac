// Package svm holds the pieces of the X1 invoke context that every other
// layer depends on: the compute meter, the compute budget, and the error
// taxonomy shared by memory translation, syscall dispatch and frame
// management.
//
// The subpackages build on it:
//   - memory:  region tables and virtual address translation
//   - trace:   the append-only execution trace
//   - syscall: syscall definitions, signatures and per-program tables
//   - invoke:  invocation frames and the InvokeContext supervisor
//   - executor: glue that runs an instruction against an accounts DB
package svm
