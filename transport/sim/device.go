// Package sim provides an in-process implementation of the transport
// contract. A simulated device emits COBS-framed sensor records at the real
// sampling rates, answers RTC-set writes with timestamp acknowledgments, and
// supports fault injection (connect refusals, mid-stream drops, withheld
// acks) for tests and demos.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sensors-inl/biostream/codec"
	"github.com/sensors-inl/biostream/errors"
	"github.com/sensors-inl/biostream/pkg/timestamp"
	"github.com/sensors-inl/biostream/sensor"
	"github.com/sensors-inl/biostream/transport"
)

// Compile-time contract check.
var _ transport.Device = (*Device)(nil)

const defaultRecordsPerSecond = 8

// Device is a simulated sensor. It produces synthetic ECG or EDA records on
// its notification stream and keeps an internal clock that starts at the
// device epoch (zero) and can be set by an RTC write, mirroring firmware
// behavior.
type Device struct {
	name     string
	identity sensor.Identity

	recordsPerSec int
	ackLatency    time.Duration
	withholdAck   bool
	refusals      int
	dropAfter     time.Duration
	chunkSize     int
	battery       int
	batteryErr    error
	impedance     codec.Impedance

	mu         sync.Mutex
	connected  bool
	subscribed bool
	attempts   int
	clockBase  timestamp.Timestamp
	clockSetAt time.Time
	emitCancel context.CancelFunc
	emitDone   chan struct{}

	// ackC carries scheduled acknowledgment frames into the emitter so the
	// notification channel has a single writer.
	ackC chan []byte

	// phase is the waveform position; touched only by the emitter goroutine.
	phase uint64
}

// Option configures a simulated device.
type Option func(*Device) error

// WithRecordsPerSecond sets how many records per second the device emits.
// Samples per record follow from the sensor kind's sampling rate, so the
// value should divide 512 for ECG and 8 for EDA.
func WithRecordsPerSecond(n int) Option {
	return func(d *Device) error {
		if n < 1 {
			return fmt.Errorf("records per second must be positive, got %d", n)
		}
		d.recordsPerSec = n
		return nil
	}
}

// WithAckLatency sets the delay between receiving an RTC write and emitting
// the acknowledgment.
func WithAckLatency(latency time.Duration) Option {
	return func(d *Device) error {
		d.ackLatency = latency
		return nil
	}
}

// WithholdAck makes the device swallow RTC writes without acknowledging,
// forcing the clock-sync timeout path.
func WithholdAck() Option {
	return func(d *Device) error {
		d.withholdAck = true
		return nil
	}
}

// WithConnectRefusals makes the first n Connect calls fail with a transient
// error before attempts start succeeding.
func WithConnectRefusals(n int) Option {
	return func(d *Device) error {
		d.refusals = n
		return nil
	}
}

// WithDropAfter drops the link that long after each Subscribe: the
// notification channel closes without a clean disconnect.
func WithDropAfter(after time.Duration) Option {
	return func(d *Device) error {
		d.dropAfter = after
		return nil
	}
}

// WithChunkSize fragments every frame into notification chunks of at most n
// bytes, exercising cross-chunk reassembly downstream. Zero sends each frame
// as one chunk.
func WithChunkSize(n int) Option {
	return func(d *Device) error {
		if n < 0 {
			return fmt.Errorf("chunk size must be non-negative, got %d", n)
		}
		d.chunkSize = n
		return nil
	}
}

// WithBatteryLevel sets the charge percentage reported by BatteryLevel.
func WithBatteryLevel(level int) Option {
	return func(d *Device) error {
		if level < 0 || level > 100 {
			return fmt.Errorf("battery level must be 0-100, got %d", level)
		}
		d.battery = level
		return nil
	}
}

// WithBatteryError makes BatteryLevel fail with the given error.
func WithBatteryError(err error) Option {
	return func(d *Device) error {
		d.batteryErr = err
		return nil
	}
}

// WithImpedance sets the complex impedance reported in EDA records. The
// default of 50 kOhm resistive corresponds to 20 uS of skin conductance.
func WithImpedance(real, imag float32) Option {
	return func(d *Device) error {
		d.impedance = codec.Impedance{Real: real, Imag: imag}
		return nil
	}
}

// NewDevice creates a simulated device. The sensor kind is derived from the
// advertised name, so the name must carry an ECG or EDA prefix.
func NewDevice(name string, opts ...Option) (*Device, error) {
	identity, err := sensor.ParseIdentity(name)
	if err != nil {
		return nil, err
	}

	d := &Device{
		name:          identity.Name,
		identity:      identity,
		recordsPerSec: defaultRecordsPerSecond,
		ackLatency:    20 * time.Millisecond,
		battery:       87,
		impedance:     codec.Impedance{Real: 50_000},
		ackC:          make(chan []byte, 8),
	}

	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, errors.WrapInvalid(err, "SimDevice", "NewDevice", "apply option")
		}
	}

	return d, nil
}

// Name returns the advertised device name.
func (d *Device) Name() string {
	return d.name
}

// Connect establishes the simulated link. The first WithConnectRefusals(n)
// attempts fail with a transient error.
func (d *Device) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.WrapTransient(err, "SimDevice", "Connect", "establish link")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "SimDevice", "Connect", "establish link")
	}

	d.attempts++
	if d.attempts <= d.refusals {
		return errors.WrapTransient(
			fmt.Errorf("%w: simulated refusal %d of %d", errors.ErrConnectionTimeout, d.attempts, d.refusals),
			"SimDevice", "Connect", "establish link")
	}

	d.connected = true
	if d.clockSetAt.IsZero() {
		// Unsynced device clock runs from the device epoch
		d.clockSetAt = time.Now()
	}
	return nil
}

// Subscribe starts the notification stream. Records begin flowing
// immediately; an RTC write is acknowledged on the same stream.
func (d *Device) Subscribe(ctx context.Context) (<-chan []byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return nil, errors.WrapInvalid(errors.ErrNotConnected, "SimDevice", "Subscribe", "open stream")
	}
	if d.subscribed {
		return nil, errors.WrapInvalid(errors.ErrAlreadyStarted, "SimDevice", "Subscribe", "open stream")
	}

	out := make(chan []byte, 64)
	emitCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	d.subscribed = true
	d.emitCancel = cancel
	d.emitDone = done

	go d.emit(emitCtx, out, done)

	return out, nil
}

// emit owns the notification channel: records on a ticker, acknowledgments
// from ackC, closed on cancellation or simulated link drop.
func (d *Device) emit(ctx context.Context, out chan<- []byte, done chan<- struct{}) {
	dropped := false
	defer func() {
		close(out)
		d.mu.Lock()
		d.subscribed = false
		d.emitCancel = nil
		if dropped {
			d.connected = false
		}
		d.mu.Unlock()
		close(done)
	}()

	period := time.Second / time.Duration(d.recordsPerSec)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	var dropC <-chan time.Time
	if d.dropAfter > 0 {
		dropTimer := time.NewTimer(d.dropAfter)
		defer dropTimer.Stop()
		dropC = dropTimer.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-dropC:
			// Link loss: the stream ends without a clean disconnect
			dropped = true
			return
		case ack := <-d.ackC:
			if !d.send(ctx, out, ack) {
				return
			}
		case <-ticker.C:
			if !d.send(ctx, out, d.nextFrame()) {
				return
			}
		}
	}
}

// send pushes one frame to the stream, fragmenting per chunkSize.
func (d *Device) send(ctx context.Context, out chan<- []byte, frame []byte) bool {
	for _, chunk := range d.chunks(frame) {
		select {
		case out <- chunk:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func (d *Device) chunks(frame []byte) [][]byte {
	if d.chunkSize <= 0 || len(frame) <= d.chunkSize {
		return [][]byte{frame}
	}
	var parts [][]byte
	for len(frame) > 0 {
		n := d.chunkSize
		if n > len(frame) {
			n = len(frame)
		}
		parts = append(parts, frame[:n])
		frame = frame[n:]
	}
	return parts
}

// nextFrame builds one COBS-framed record at the device's current clock.
func (d *Device) nextFrame() []byte {
	now := d.deviceNow()

	if d.identity.Kind == codec.KindEDA {
		pairs := sensor.EDASamplingRate / d.recordsPerSec
		if pairs < 1 {
			pairs = 1
		}
		impedances := make([]codec.Impedance, pairs)
		for i := range impedances {
			impedances[i] = d.impedance
		}
		rec := &codec.EDARecord{Impedances: impedances, Time: now}
		return codec.EncodeFrame(codec.EncodeEDA(rec))
	}

	samples := sensor.ECGSamplingRate / d.recordsPerSec
	if samples < 1 {
		samples = 1
	}
	data := make([]byte, 0, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(int(d.phase%4096) - 2048)
		data = append(data, byte(uint16(v)), byte(uint16(v)>>8))
		d.phase++
	}
	rec := &codec.ECGRecord{Data: data, LeadOff: codec.LeadOffBothOn, Time: now}
	return codec.EncodeFrame(codec.EncodeECG(rec))
}

// deviceNow returns the device clock: the last RTC-set value plus elapsed
// wall time, or time since connect when never synced.
func (d *Device) deviceNow() timestamp.Timestamp {
	d.mu.Lock()
	base := d.clockBase
	setAt := d.clockSetAt
	d.mu.Unlock()

	if setAt.IsZero() {
		return timestamp.Timestamp{}
	}
	return base.Add(time.Since(setAt))
}

// Send accepts writes from the host. A COBS-framed bare Timestamp sets the
// device RTC and, unless the device is configured to withhold it, schedules
// a TimestampAck on the notification stream after the ack latency.
func (d *Device) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return errors.WrapTransient(err, "SimDevice", "Send", "write payload")
	}

	d.mu.Lock()
	connected := d.connected
	d.mu.Unlock()
	if !connected {
		return errors.WrapInvalid(errors.ErrNotConnected, "SimDevice", "Send", "write payload")
	}

	// Firmware-side frame recovery: a write may carry several frames.
	dec := codec.NewFrameDecoder(0)
	frames, _ := dec.Feed(payload)
	for _, frame := range frames {
		ack, err := codec.DecodeAck(frame)
		if err != nil {
			continue
		}
		d.setClock(ack.Time)
		if d.withholdAck {
			continue
		}
		d.scheduleAck()
	}
	return nil
}

func (d *Device) setClock(ts timestamp.Timestamp) {
	d.mu.Lock()
	d.clockBase = ts
	d.clockSetAt = time.Now()
	d.mu.Unlock()
}

func (d *Device) scheduleAck() {
	time.AfterFunc(d.ackLatency, func() {
		frame := codec.EncodeFrame(codec.EncodeTimestamp(d.deviceNow()))
		select {
		case d.ackC <- frame:
		default:
			// Emitter gone or backed up; the ack is lost like a real radio write
		}
	})
}

// BatteryLevel reports the configured charge percentage.
func (d *Device) BatteryLevel(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, errors.WrapTransient(err, "SimDevice", "BatteryLevel", "read level")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return 0, errors.WrapInvalid(errors.ErrNotConnected, "SimDevice", "BatteryLevel", "read level")
	}
	if d.batteryErr != nil {
		return 0, errors.WrapTransient(d.batteryErr, "SimDevice", "BatteryLevel", "read level")
	}
	return d.battery, nil
}

// Disconnect tears the link down and stops the notification stream. It is
// idempotent.
func (d *Device) Disconnect(timeout time.Duration) error {
	d.mu.Lock()
	if !d.connected {
		d.mu.Unlock()
		return nil
	}
	d.connected = false
	cancel := d.emitCancel
	done := d.emitDone
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(timeout):
			return errors.WrapTransient(
				fmt.Errorf("stream did not close within %v", timeout),
				"SimDevice", "Disconnect", "stop stream")
		}
	}
	return nil
}
