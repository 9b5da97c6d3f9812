//go:build linux

package bench

import "golang.org/x/sys/unix"

// pinToCore binds the calling OS thread to one CPU core. The caller must
// have locked the goroutine to its thread first.
func pinToCore(core int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	return unix.SchedSetaffinity(0, &set)
}
