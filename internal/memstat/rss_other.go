//go:build !linux

package memstat

func rssMB() float64 {
	return runtimeMB()
}
