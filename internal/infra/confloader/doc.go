// Package confloader loads layered configuration with koanf.
//
// Sources, highest priority first:
//
//  1. Maps supplied by the caller (command-line flags)
//  2. Environment variables (MEMSCOPE_ prefix, "__" between sections)
//  3. A YAML file
//  4. The defaults already present in the target struct
//
// Watcher reports writes to the configuration file so the server can apply
// settings that are safe to change at runtime.
package confloader
