// Package buildinfo exposes version information injected at link time:
//
//	go build -ldflags "-X github.com/yndnr/memscope-go/internal/infra/buildinfo.Version=v0.3.0"
//
// GoVersion falls back to the toolchain recorded in the binary.
package buildinfo
