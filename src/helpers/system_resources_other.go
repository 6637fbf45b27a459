//go:build !linux

package helpers

// AvailableMemoryMB is unknown off Linux.
func AvailableMemoryMB() int {
	return 0
}
