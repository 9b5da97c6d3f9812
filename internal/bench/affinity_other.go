//go:build !linux

package bench

// pinToCore is a no-op where thread affinity is unsupported.
func pinToCore(int) error { return nil }
