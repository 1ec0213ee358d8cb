package metrics

import (
	"fmt"
	"io"
	"time"
)

// Snapshot is a point-in-time hardware reading. The per-core slices always
// have length CoreCount.
type Snapshot struct {
	Timestamp    time.Time `json:"ts"`
	DeviceTimeUS int64     `json:"device_time_us"`
	CoreCount    int       `json:"core_count"`
	CoreFreqKHz  []int64   `json:"core_freq_khz"`
	CoreLoadPct  []float64 `json:"core_load_pct"`
	GPUFreqHz    int64     `json:"gpu_freq_hz"`
	GPUUtilPct   int64     `json:"gpu_util_pct"`
}

// WriteFrequencies renders the per-core frequency table, one "<core> <khz>"
// row per line.
func (s Snapshot) WriteFrequencies(w io.Writer) error {
	for core, freq := range s.CoreFreqKHz {
		if _, err := fmt.Fprintf(w, "%d %d\n", core, freq); err != nil {
			return err
		}
	}
	return nil
}
