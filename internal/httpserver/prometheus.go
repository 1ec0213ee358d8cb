package httpserver

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/powerlab/etrace/internal/adb"
	"github.com/powerlab/etrace/internal/metrics"
	"github.com/powerlab/etrace/internal/tracer"
)

type deviceMetricsCollector struct {
	monitor *metrics.Monitor
	serial  string

	coreFreqDesc *prometheus.Desc
	coreLoadDesc *prometheus.Desc
	scalars      []deviceMetric
}

type deviceMetric struct {
	desc    *prometheus.Desc
	extract func(snapshot metrics.Snapshot) (float64, bool)
}

func newDeviceMetricsCollector(device adb.Device, monitor *metrics.Monitor) prometheus.Collector {
	if monitor == nil {
		return nil
	}

	collector := &deviceMetricsCollector{
		monitor: monitor,
		serial:  device.Serial,
	}

	desc := func(subsystem, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName("etrace", subsystem, name),
			help,
			append([]string{"serial"}, labels...),
			nil,
		)
	}

	collector.coreFreqDesc = desc("cpu", "core_frequency_khz", "Current per-core clock frequency in kHz.", "cpu")
	collector.coreLoadDesc = desc("cpu", "core_load_percent", "Current per-core load percentage.", "cpu")
	collector.scalars = []deviceMetric{
		{
			desc: desc("cpu", "core_count", "Number of cores reported by the device."),
			extract: func(snapshot metrics.Snapshot) (float64, bool) {
				return float64(snapshot.CoreCount), snapshot.CoreCount > 0
			},
		},
		{
			desc: desc("gpu", "frequency_hz", "Current GPU clock frequency in Hz."),
			extract: func(snapshot metrics.Snapshot) (float64, bool) {
				return float64(snapshot.GPUFreqHz), true
			},
		},
		{
			desc: desc("gpu", "utilization_percent", "Current GPU utilization percentage."),
			extract: func(snapshot metrics.Snapshot) (float64, bool) {
				return float64(snapshot.GPUUtilPct), true
			},
		},
		{
			desc: desc("sample", "timestamp_seconds", "Unix timestamp of the latest snapshot."),
			extract: func(snapshot metrics.Snapshot) (float64, bool) {
				if snapshot.Timestamp.IsZero() {
					return 0, false
				}
				return float64(snapshot.Timestamp.Unix()), true
			},
		},
		{
			desc: desc("sample", "age_seconds", "Seconds elapsed since the latest snapshot was collected."),
			extract: func(snapshot metrics.Snapshot) (float64, bool) {
				if snapshot.Timestamp.IsZero() {
					return 0, false
				}
				age := time.Since(snapshot.Timestamp).Seconds()
				if age < 0 {
					age = 0
				}
				return age, true
			},
		},
		{
			desc: desc("sample", "device_time_seconds", "Device uptime at the latest snapshot, in seconds."),
			extract: func(snapshot metrics.Snapshot) (float64, bool) {
				if snapshot.DeviceTimeUS == 0 {
					return 0, false
				}
				return float64(snapshot.DeviceTimeUS) / 1e6, true
			},
		},
	}

	return collector
}

func (c *deviceMetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.coreFreqDesc
	ch <- c.coreLoadDesc
	for _, metric := range c.scalars {
		ch <- metric.desc
	}
}

func (c *deviceMetricsCollector) Collect(ch chan<- prometheus.Metric) {
	snapshot, ok := c.monitor.Latest()
	if !ok {
		return
	}

	for cpu, freq := range snapshot.CoreFreqKHz {
		ch <- prometheus.MustNewConstMetric(c.coreFreqDesc, prometheus.GaugeValue,
			float64(freq), c.serial, strconv.Itoa(cpu))
	}
	for cpu, load := range snapshot.CoreLoadPct {
		ch <- prometheus.MustNewConstMetric(c.coreLoadDesc, prometheus.GaugeValue,
			load, c.serial, strconv.Itoa(cpu))
	}
	for _, metric := range c.scalars {
		value, ok := metric.extract(snapshot)
		if !ok {
			continue
		}
		ch <- prometheus.MustNewConstMetric(metric.desc, prometheus.GaugeValue, value, c.serial)
	}
}

type sessionCollector struct {
	session SessionFunc

	stateDesc    *prometheus.Desc
	selectedDesc *prometheus.Desc
	elapsedDesc  *prometheus.Desc
}

func newSessionCollector(session SessionFunc) prometheus.Collector {
	return &sessionCollector{
		session: session,
		stateDesc: prometheus.NewDesc(
			prometheus.BuildFQName("etrace", "session", "state"),
			"Current trace-session state, one series per state with the active one set to 1.",
			[]string{"run_id", "state"},
			nil,
		),
		selectedDesc: prometheus.NewDesc(
			prometheus.BuildFQName("etrace", "session", "selected_events"),
			"Number of events selected on the device for the current session.",
			[]string{"run_id"},
			nil,
		),
		elapsedDesc: prometheus.NewDesc(
			prometheus.BuildFQName("etrace", "session", "capture_elapsed_seconds"),
			"Device-measured elapsed time of the capture window.",
			[]string{"run_id"},
			nil,
		),
	}
}

func (c *sessionCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.stateDesc
	ch <- c.selectedDesc
	ch <- c.elapsedDesc
}

func (c *sessionCollector) Collect(ch chan<- prometheus.Metric) {
	session := c.session()
	if session == nil {
		return
	}
	status := session.Status()

	states := []tracer.State{
		tracer.StateIdle, tracer.StateCleared, tracer.StateConfigured,
		tracer.StateCapturing, tracer.StateStopped, tracer.StateRetrieved,
		tracer.StateFailed,
	}
	for _, state := range states {
		value := 0.0
		if state.String() == status.State {
			value = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.stateDesc, prometheus.GaugeValue,
			value, status.RunID, state.String())
	}
	ch <- prometheus.MustNewConstMetric(c.selectedDesc, prometheus.GaugeValue,
		float64(len(status.SelectedEvents)), status.RunID)
	ch <- prometheus.MustNewConstMetric(c.elapsedDesc, prometheus.GaugeValue,
		status.Elapsed.Seconds(), status.RunID)
}
