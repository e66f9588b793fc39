//go:build !linux

package thread

func osThreadID() int {
	return 0
}
