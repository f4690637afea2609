package pipeline

import "fmt"

// Default delivery caps, overridable via configuration.
const (
	DefaultMaxVideoBytes int64 = 50 << 20
	DefaultMaxImageBytes int64 = 10 << 20
)

// HumanSize renders a byte count as B/KB/MB/GB with two decimals.
func HumanSize(n int64) string {
	const unit = 1024
	switch {
	case n < unit:
		return fmt.Sprintf("%dB", n)
	case n < unit*unit:
		return fmt.Sprintf("%.2fKB", float64(n)/unit)
	case n < unit*unit*unit:
		return fmt.Sprintf("%.2fMB", float64(n)/(unit*unit))
	default:
		return fmt.Sprintf("%.2fGB", float64(n)/(unit*unit*unit))
	}
}
