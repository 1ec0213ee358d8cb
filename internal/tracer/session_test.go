package tracer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDevice implements adb.Channel against in-memory state and records
// every operation in order.
type fakeDevice struct {
	mu        sync.Mutex
	files     map[string]string
	ops       []string
	failOn    map[string]error
	pulled    map[string]string
	runOutput map[string]string

	// Writes to buffer_size_kb clamp to this value when > 0, simulating a
	// device that refuses further growth.
	bufferCapKB int
	bufferPath  string
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		files:      make(map[string]string),
		failOn:     make(map[string]error),
		pulled:     make(map[string]string),
		runOutput:  make(map[string]string),
		bufferPath: "/d/tracing/buffer_size_kb",
	}
}

func (d *fakeDevice) record(op string) {
	d.mu.Lock()
	d.ops = append(d.ops, op)
	d.mu.Unlock()
}

func (d *fakeDevice) fail(op string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failOn[op]
}

func (d *fakeDevice) Run(_ context.Context, command string) (string, error) {
	d.record("run " + command)
	if err := d.fail("run " + command); err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runOutput[command], nil
}

func (d *fakeDevice) ReadFile(_ context.Context, path string) (string, error) {
	d.record("read " + path)
	if err := d.fail("read " + path); err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	content, ok := d.files[path]
	if !ok {
		return "", fmt.Errorf("no such file %q", path)
	}
	return content, nil
}

func (d *fakeDevice) WriteFile(_ context.Context, path, content string) error {
	d.record("write " + path + " " + content)
	if err := d.fail("write " + path); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if path == d.bufferPath && d.bufferCapKB > 0 {
		requested, err := strconv.Atoi(content)
		if err != nil {
			return err
		}
		if requested > d.bufferCapKB {
			content = strconv.Itoa(d.bufferCapKB)
		}
	}
	d.files[path] = content
	return nil
}

func (d *fakeDevice) AppendFile(_ context.Context, path, content string) error {
	d.record("append " + path + " " + content)
	if err := d.fail("append " + path); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.files[path] += content + "\n"
	return nil
}

func (d *fakeDevice) ClearFile(_ context.Context, path string) error {
	d.record("clear " + path)
	if err := d.fail("clear " + path); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.files[path] = ""
	return nil
}

func (d *fakeDevice) Pull(_ context.Context, remotePath, localPath string) error {
	d.record("pull " + remotePath)
	if err := d.fail("pull " + remotePath); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pulled[remotePath] = localPath
	return nil
}

func (d *fakeDevice) opIndex(t *testing.T, prefix string) int {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, op := range d.ops {
		if strings.HasPrefix(op, prefix) {
			return i
		}
	}
	t.Fatalf("operation %q never happened:\n%s", prefix, strings.Join(d.ops, "\n"))
	return -1
}

// fakeClock advances a fixed step on every read, in microseconds.
type fakeClock struct {
	now  int64
	step int64
}

func (c *fakeClock) Now(context.Context) (int64, error) {
	t := c.now
	c.now += c.step
	return t, nil
}

func testConfig() Config {
	return Config{
		App:             "com.example.game",
		Events:          []string{"sched_switch", "binder_transaction", "cpu_idle"},
		Tracer:          "nop",
		Duration:        2 * time.Second,
		Preamble:        time.Second,
		TracingRoot:     "/d/tracing",
		SysLoggerScript: "/data/local/tmp/sys_logger.sh",
		TraceDat:        "/data/local/tmp/trace.dat",
		TraceReport:     "/data/local/tmp/trace.report",
		BinderLog:       "/d/binder/transaction_log",
		BufferTargetKB:  3000,
		BufferStepKB:    500,
		PollInterval:    time.Millisecond,
		SettleDelay:     time.Millisecond,
	}
}

func seedDevice(d *fakeDevice) {
	d.files["/d/tracing/available_events"] = "sched:sched_switch\nsched:sched_wakeup\nbinder:binder_transaction\npower:cpu_idle\n"
	d.files["/d/tracing/available_tracers"] = "function_graph function nop\n"
	d.files["/d/tracing/buffer_size_kb"] = "2048"
}

func TestFilterEvents(t *testing.T) {
	catalog := "sched:sched_switch\nbinder:binder_transaction\npower:cpu_idle\n"

	testCases := []struct {
		name      string
		requested []string
		want      []string
	}{
		{"AllSupported", []string{"sched_switch", "cpu_idle"}, []string{"sched_switch", "cpu_idle"}},
		{"OrderPreserved", []string{"cpu_idle", "sched_switch"}, []string{"cpu_idle", "sched_switch"}},
		{"UnsupportedDropped", []string{"sched_switch", "bogus_event"}, []string{"sched_switch"}},
		{"DuplicatesDropped", []string{"cpu_idle", "cpu_idle", "sched_switch"}, []string{"cpu_idle", "sched_switch"}},
		{"AllUnsupported", []string{"bogus_event"}, nil},
		{"Empty", nil, nil},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, filterEvents(tc.requested, catalog))
		})
	}
}

func TestSessionRun(t *testing.T) {
	device := newFakeDevice()
	seedDevice(device)

	cfg := testConfig()
	cfg.ResultsDir = t.TempDir()
	clock := &fakeClock{step: 500_000} // half a second of device time per poll
	session := NewSession(device, clock, cfg, nil)

	var lastElapsed, lastTotal time.Duration
	session.Progress = func(elapsed, total time.Duration) {
		lastElapsed, lastTotal = elapsed, total
	}

	artifacts, err := session.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateRetrieved, session.State())

	// Duration plus preamble, measured on the device clock.
	assert.Equal(t, 3*time.Second, lastTotal)
	assert.GreaterOrEqual(t, lastElapsed, lastTotal)

	assert.Equal(t, []string{"sched_switch", "binder_transaction", "cpu_idle"}, session.SelectedEvents())
	assert.Equal(t, "sched_switch\nbinder_transaction\ncpu_idle\n", device.files["/d/tracing/set_event"])
	assert.Equal(t, "nop", device.files["/d/tracing/current_tracer"])

	// Daemon brackets the capture window: setup and start before the
	// capture flag goes up, stop and finish after it comes down.
	setup := device.opIndex(t, "run /data/local/tmp/sys_logger.sh setup -nt")
	start := device.opIndex(t, "run /data/local/tmp/sys_logger.sh start")
	captureOn := device.opIndex(t, "write /d/tracing/tracing_on 1")
	captureOff := device.opIndex(t, "write /d/tracing/tracing_on 0")
	stop := device.opIndex(t, "run /data/local/tmp/sys_logger.sh stop")
	finish := device.opIndex(t, "run /data/local/tmp/sys_logger.sh finish")
	assert.Less(t, setup, start)
	assert.Less(t, start, captureOn)
	assert.Less(t, captureOn, captureOff)
	assert.Less(t, captureOff, stop)
	assert.Less(t, stop, finish)

	assert.Equal(t, cfg.ResultsDir+"/com.example.game.dat", device.pulled["/data/local/tmp/trace.dat"])
	assert.Equal(t, cfg.ResultsDir+"/com.example.game.report", device.pulled["/data/local/tmp/trace.report"])
	assert.Equal(t, cfg.ResultsDir+"/com.example.game.tlog", device.pulled["/d/binder/transaction_log"])
	assert.Equal(t, artifacts.Dat, device.pulled["/data/local/tmp/trace.dat"])
}

func TestBufferRampReachesTarget(t *testing.T) {
	device := newFakeDevice()
	seedDevice(device)

	logger := NewSysLogger(device, testConfig(), nil)
	require.NoError(t, logger.rampBuffer(context.Background()))

	size, err := logger.BufferKB(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, size, 3000)
}

func TestBufferRampStagnationIsNonFatal(t *testing.T) {
	device := newFakeDevice()
	seedDevice(device)
	device.bufferCapKB = 2048 // device refuses all growth

	logger := NewSysLogger(device, testConfig(), nil)
	require.NoError(t, logger.rampBuffer(context.Background()))

	// Exactly three stagnant write attempts before giving up.
	var writes int
	device.mu.Lock()
	for _, op := range device.ops {
		if strings.HasPrefix(op, "write /d/tracing/buffer_size_kb") {
			writes++
		}
	}
	device.mu.Unlock()
	assert.Equal(t, 3, writes)

	size, err := logger.BufferKB(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2048, size)
}

func TestConfigureUnsupportedTracerKeepsPrevious(t *testing.T) {
	device := newFakeDevice()
	seedDevice(device)
	device.files["/d/tracing/current_tracer"] = "function"

	cfg := testConfig()
	cfg.Tracer = "wakeup_rt"
	session := NewSession(device, &fakeClock{step: time.Second.Microseconds()}, cfg, nil)

	require.NoError(t, session.Configure(context.Background()))
	assert.Equal(t, "function", device.files["/d/tracing/current_tracer"])
	assert.Equal(t, StateConfigured, session.State())
}

func TestRunSkipClearKeepsEventState(t *testing.T) {
	device := newFakeDevice()
	seedDevice(device)
	device.files["/d/tracing/set_event"] = "existing_event\n"

	cfg := testConfig()
	cfg.SkipClear = true
	cfg.ResultsDir = t.TempDir()
	session := NewSession(device, &fakeClock{step: time.Second.Microseconds()}, cfg, nil)

	_, err := session.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(device.files["/d/tracing/set_event"], "existing_event\n"))
}

func TestChannelErrorFailsSession(t *testing.T) {
	device := newFakeDevice()
	seedDevice(device)
	device.failOn["run /data/local/tmp/sys_logger.sh start"] = errors.New("device offline")

	cfg := testConfig()
	cfg.ResultsDir = t.TempDir()
	session := NewSession(device, &fakeClock{step: time.Second.Microseconds()}, cfg, nil)

	_, err := session.Run(context.Background())
	require.ErrorIs(t, err, ErrFailed)
	assert.Equal(t, StateFailed, session.State())
	require.ErrorIs(t, session.Err(), ErrFailed)

	// A failed session must not retrieve artifacts.
	_, err = session.Retrieve(context.Background())
	require.Error(t, err)
	assert.Empty(t, device.pulled)
}

func TestCaptureCancellation(t *testing.T) {
	device := newFakeDevice()
	seedDevice(device)

	cfg := testConfig()
	cfg.Duration = time.Hour // would never finish without cancellation
	session := NewSession(device, &fakeClock{step: 1}, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := session.Capture(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateFailed, session.State())

	// The capture flag was still brought down on the way out.
	assert.Equal(t, "0", device.files["/d/tracing/tracing_on"])
}

func TestSessionStatus(t *testing.T) {
	device := newFakeDevice()
	seedDevice(device)

	session := NewSession(device, &fakeClock{step: time.Second.Microseconds()}, testConfig(), nil)
	require.NotEmpty(t, session.RunID())

	st := session.Status()
	assert.Equal(t, "idle", st.State)
	assert.Equal(t, "com.example.game", st.App)
	assert.Empty(t, st.Error)

	require.NoError(t, session.Clear(context.Background()))
	require.NoError(t, session.Configure(context.Background()))
	st = session.Status()
	assert.Equal(t, "configured", st.State)
	assert.Equal(t, []string{"sched_switch", "binder_transaction", "cpu_idle"}, st.SelectedEvents)
}

func TestEventFilterFiles(t *testing.T) {
	device := newFakeDevice()
	seedDevice(device)
	eventDir := "/d/tracing/events/sched/sched_switch"
	device.runOutput["find /d/tracing/events -name sched_switch"] = eventDir + "\n"
	device.files[eventDir+"/format"] = "name: sched_switch\nID: 316\n"

	session := NewSession(device, &fakeClock{}, testConfig(), nil)
	ctx := context.Background()

	require.NoError(t, session.SetEventFilter(ctx, "sched_switch", `prev_comm ~ "game"`))
	assert.Equal(t, "prev_comm ~ \"game\"\n", device.files[eventDir+"/filter"])

	format, err := session.EventFormat(ctx, "sched_switch")
	require.NoError(t, err)
	assert.Contains(t, format, "name: sched_switch")

	require.NoError(t, session.ClearEventFilter(ctx, "sched_switch"))
	assert.Empty(t, device.files[eventDir+"/filter"])

	_, err = session.EventFormat(ctx, "missing_event")
	require.Error(t, err)
}
