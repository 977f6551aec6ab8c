//go:build debug

package ptrace

const debug = true
