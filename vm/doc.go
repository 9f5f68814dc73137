// Package vm implements the ember native execution core.
//
// This package contains:
//   - Tagged pointer representation and process-private heaps
//   - The Permanent Space of classes and interned values
//   - The M:N process scheduler and the blocking bridge
//   - The Result channel returned by every native function
//   - Native functions for strings, byte arrays, the environment and child processes
//   - Routine images, their CBOR codec and TOML assembly
package vm
