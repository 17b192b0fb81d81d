// Package domain defines the core domain models for memscope.
//
// Domain models are pure value objects without any IO dependencies:
//
//   - ConnectionParams / Dialect: what a logical connection points at and
//     which wire dialect it speaks
//   - Item / KeyInfo: cache entries reconstructed per query
//   - SlabUsage: the slab table derived from "stats slabs"
//   - Errors: coded domain errors shared by every layer
package domain
