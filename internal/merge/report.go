package merge

import "fmt"

// Report describes one completed merge run.
type Report struct {
	ChannelsIncluded     int     `json:"channels_included"`
	ProgramsIncluded     int     `json:"programs_included"`
	FileSizeHuman        string  `json:"file_size_human"`
	PeakMemoryMB         float64 `json:"peak_memory_mb"`
	DaysIncluded         int     `json:"days_included"`
	ExecutionTimeSeconds float64 `json:"execution_time_seconds"`
}

// HumanSize renders a byte count as megabytes with two decimals, "0.04MB"
// style.
func HumanSize(n int64) string {
	return fmt.Sprintf("%.2fMB", float64(n)/(1024*1024))
}
