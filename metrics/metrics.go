// Package metrics keeps the process-wide counters and flushes them as one
// JSON line per flush, each counter reporting its delta since the last one.
package metrics

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrNotInitialized     = errors.New("metrics system not initialized")
	ErrAlreadyInitialized = errors.New("reinitialization of metrics not allowed")
)

// FlushInterval is how often the reactor timer flushes.
const FlushInterval = 60 * time.Second

// Counter is a monotonically increasing value. Any goroutine may increment it;
// only the flusher reads deltas.
type Counter struct {
	v    atomic.Uint64
	last uint64
}

func (c *Counter) Inc() {
	c.v.Add(1)
}

func (c *Counter) Add(n uint64) {
	c.v.Add(n)
}

func (c *Counter) Count() uint64 {
	return c.v.Load()
}

func (c *Counter) delta() uint64 {
	v := c.v.Load()
	d := v - c.last
	c.last = v

	return d
}

// MarshalJSON reports the value since the previous flush.
func (c *Counter) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.delta())
}

type APIMetrics struct {
	ActionsCount     Counter `json:"actions_count"`
	ActionsFails     Counter `json:"actions_fails"`
	BootSourceCount  Counter `json:"boot_source_count"`
	DrivesCount      Counter `json:"drives_count"`
	DrivesFails      Counter `json:"drives_fails"`
	LoggerCount      Counter `json:"logger_count"`
	MachineCfgCount  Counter `json:"machine_cfg_count"`
	MachineCfgFails  Counter `json:"machine_cfg_fails"`
	MetricsCount     Counter `json:"metrics_count"`
	NetworkCount     Counter `json:"network_count"`
	NetworkFails     Counter `json:"network_fails"`
	BalloonCount     Counter `json:"balloon_count"`
	EntropyCount     Counter `json:"entropy_count"`
	MmdsCount        Counter `json:"mmds_count"`
	SnapshotCount    Counter `json:"snapshot_count"`
	SnapshotFails    Counter `json:"snapshot_fails"`
	VMCount          Counter `json:"vm_count"`
	InstanceInfo     Counter `json:"instance_info_count"`
	BadRequests      Counter `json:"bad_requests"`
	MethodNotAllowed Counter `json:"method_not_allowed"`
	NotFound         Counter `json:"not_found"`
}

type VMMMetrics struct {
	Panics       Counter `json:"panic_count"`
	DeviceEvents Counter `json:"device_events"`
	BootErrors   Counter `json:"boot_errors"`
	BootTimeUs   Counter `json:"boot_time_us"`
}

type VCPUMetrics struct {
	ExitIOIn      Counter `json:"exit_io_in"`
	ExitIOOut     Counter `json:"exit_io_out"`
	ExitMMIORead  Counter `json:"exit_mmio_read"`
	ExitMMIOWrite Counter `json:"exit_mmio_write"`
	ExitHLT       Counter `json:"exit_hlt"`
	ExitIntr      Counter `json:"exit_intr"`
	Failures      Counter `json:"failures"`
	Kicks         Counter `json:"kicks"`
}

type BlockMetrics struct {
	ActivateFails        Counter `json:"activate_fails"`
	CfgFails             Counter `json:"cfg_fails"`
	EventFails           Counter `json:"event_fails"`
	QueueEvents          Counter `json:"queue_event_count"`
	ReadBytes            Counter `json:"read_bytes"`
	WriteBytes           Counter `json:"write_bytes"`
	ReadCount            Counter `json:"read_count"`
	WriteCount           Counter `json:"write_count"`
	FlushCount           Counter `json:"flush_count"`
	UpdateCount          Counter `json:"update_count"`
	UpdateFails          Counter `json:"update_fails"`
	RateLimiterThrottled Counter `json:"rate_limiter_throttled_events"`
	InvalidReqs          Counter `json:"invalid_reqs_count"`
}

type NetMetrics struct {
	ActivateFails          Counter `json:"activate_fails"`
	EventFails             Counter `json:"event_fails"`
	RxQueueEvents          Counter `json:"rx_queue_event_count"`
	RxBytes                Counter `json:"rx_bytes_count"`
	RxPackets              Counter `json:"rx_packets_count"`
	RxFails                Counter `json:"rx_fails"`
	RxDeferred             Counter `json:"rx_deferred_frames"`
	TxQueueEvents          Counter `json:"tx_queue_event_count"`
	TxBytes                Counter `json:"tx_bytes_count"`
	TxPackets              Counter `json:"tx_packets_count"`
	TxFails                Counter `json:"tx_fails"`
	RxRateLimiterThrottled Counter `json:"rx_rate_limiter_throttled"`
	TxRateLimiterThrottled Counter `json:"tx_rate_limiter_throttled"`
}

type RngMetrics struct {
	ActivateFails        Counter `json:"activate_fails"`
	EventFails           Counter `json:"event_fails"`
	Bytes                Counter `json:"entropy_bytes"`
	Fails                Counter `json:"entropy_fails"`
	RateLimiterThrottled Counter `json:"entropy_rate_limiter_throttled"`
}

type BalloonMetrics struct {
	ActivateFails Counter `json:"activate_fails"`
	EventFails    Counter `json:"event_fails"`
	InflateCount  Counter `json:"inflate_count"`
	DeflateCount  Counter `json:"deflate_count"`
	StatsUpdates  Counter `json:"stats_updates_count"`
	StatsFails    Counter `json:"stats_update_fails"`
}

type SerialMetrics struct {
	EventFails  Counter `json:"event_fails"`
	ReadCount   Counter `json:"read_count"`
	WriteCount  Counter `json:"write_count"`
	MissedRead  Counter `json:"missed_read_count"`
	MissedWrite Counter `json:"missed_write_count"`
}

type I8042Metrics struct {
	ErrorCount       Counter `json:"error_count"`
	MissedReadCount  Counter `json:"missed_read_count"`
	MissedWriteCount Counter `json:"missed_write_count"`
	ReadCount        Counter `json:"read_count"`
	ResetCount       Counter `json:"reset_count"`
	WriteCount       Counter `json:"write_count"`
}

type SeccompMetrics struct {
	NumFaults Counter `json:"num_faults"`
}

type LoggerMetrics struct {
	Lines      Counter `json:"lines_count"`
	MissedLogs Counter `json:"missed_log_count"`
}

type SignalMetrics struct {
	SIGBUS  Counter `json:"sigbus"`
	SIGSEGV Counter `json:"sigsegv"`
	SIGSYS  Counter `json:"sigsys"`
}

// Metrics is the full set flushed on every tick.
type Metrics struct {
	API     APIMetrics     `json:"api_server"`
	VMM     VMMMetrics     `json:"vmm"`
	VCPU    VCPUMetrics    `json:"vcpu"`
	Block   BlockMetrics   `json:"block"`
	Net     NetMetrics     `json:"net"`
	Rng     RngMetrics     `json:"entropy"`
	Balloon BalloonMetrics `json:"balloon"`
	Serial  SerialMetrics  `json:"uart"`
	I8042   I8042Metrics   `json:"i8042"`
	Seccomp SeccompMetrics `json:"seccomp"`
	Logger  LoggerMetrics  `json:"logger"`
	Signals SignalMetrics  `json:"signals"`
}

// M is the process-wide instance.
var M = &Metrics{}

var (
	mu   sync.Mutex
	sink io.Writer
)

// Init sets the destination of Flush. It can be done once.
func Init(w io.Writer) error {
	mu.Lock()
	defer mu.Unlock()

	if sink != nil {
		return ErrAlreadyInitialized
	}

	sink = w

	return nil
}

// Initialized reports whether Init has been called.
func Initialized() bool {
	mu.Lock()
	defer mu.Unlock()

	return sink != nil
}

type line struct {
	UTCTimestampMs int64 `json:"utc_timestamp_ms"`
	*Metrics
}

// Flush writes the deltas since the previous flush as one JSON line.
func Flush() error {
	mu.Lock()
	defer mu.Unlock()

	if sink == nil {
		return ErrNotInitialized
	}

	b, err := json.Marshal(line{UTCTimestampMs: time.Now().UnixMilli(), Metrics: M})
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}

	if _, err := sink.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}

	return nil
}

// Reset drops the sink and zeroes every counter. Tests only.
func Reset() {
	mu.Lock()
	defer mu.Unlock()

	sink = nil
	zero(reflect.ValueOf(M).Elem())
}

func zero(v reflect.Value) {
	for i := 0; i < v.NumField(); i++ {
		f := v.Field(i)

		if c, ok := f.Addr().Interface().(*Counter); ok {
			c.v.Store(0)
			c.last = 0

			continue
		}

		if f.Kind() == reflect.Struct {
			zero(f)
		}
	}
}
