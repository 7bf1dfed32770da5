package vm

import (
	"fmt"
	"io"
)

// metricsPrefix is prepended to every exported metric name.
const metricsPrefix = "gophervm_"

type metric struct {
	name  string
	help  string
	gauge bool
	value uint64
}

func (s Stats) metrics() []metric {
	return []metric{
		{"page_faults_total", "Page faults handled, including rejected ones.", false, s.Faults},
		{"page_faults_rejected_total", "Page faults that could not be resolved.", false, s.FaultsRejected},
		{"stack_growths_total", "Stack pages allocated by the fault handler.", false, s.StackGrowths},
		{"claims_total", "Pages made resident.", false, s.Claims},
		{"evictions_total", "Frames reclaimed from resident pages.", false, s.Evictions},
		{"swap_ins_total", "Anonymous pages read back from swap.", false, s.SwapIns},
		{"swap_outs_total", "Anonymous pages written to swap.", false, s.SwapOuts},
		{"file_reads_total", "File-backed pages read from their file.", false, s.FileReads},
		{"file_writes_total", "Dirty file-backed pages written back.", false, s.FileWrites},
		{"forks_total", "Address spaces created by Fork.", false, s.Forks},
		{"mmaps_total", "File mappings created.", false, s.Mmaps},
		{"clock_scans_total", "Eviction victim selections.", false, s.ClockScans},
		{"clock_visits_total", "Frames visited by the eviction clock.", false, s.ClockVisits},
		{"clock_max_visits", "Most frames visited by a single victim selection.", true, s.MaxClockVisits},
		{"resident_frames", "Frames holding a resident user page.", true, uint64(s.ResidentFrames)},
		{"free_user_frames", "Unallocated frames in the user pool.", true, uint64(s.FreeUserFrames)},
		{"swap_slots_used", "Swap slots holding an evicted page.", true, uint64(s.SwapSlotsUsed)},
		{"swap_slots", "Swap slots on the swap device.", true, uint64(s.SwapSlots)},
		{"address_spaces", "Live address spaces.", true, uint64(s.AddressSpaces)},
	}
}

// WritePrometheus writes the statistics to w in the Prometheus text
// exposition format.
func (s Stats) WritePrometheus(w io.Writer) error {
	for _, m := range s.metrics() {
		typ := "counter"
		if m.gauge {
			typ = "gauge"
		}

		name := metricsPrefix + m.name
		if _, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n%s %d\n", name, m.help, name, typ, name, m.value); err != nil {
			return err
		}
	}
	return nil
}
