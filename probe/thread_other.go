//go:build !linux

package probe

// Without a portable thread id call, goroutine ids are the closest stable
// identity.
func osThreadID() int {
	return goroutineID()
}
