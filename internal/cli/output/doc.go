// Package output renders memscope-cli results as an aligned table, JSON or
// YAML. Tables are built explicitly by commands or derived from structs,
// slices and maps by reflection.
package output
