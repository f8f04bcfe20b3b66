// Package biostream acquires sample streams from wireless physiological
// sensors (ECG, EDA), decodes them, and distributes the records to
// pluggable sinks: CSV storage, a NATS streaming outlet, and a live
// WebSocket visualization.
//
// # Architecture
//
// The pipeline is a fixed topology assembled by the service package
// from one validated configuration:
//
//	┌──────────────────────────────────────┐
//	│              Manager                 │  one supervisor per sensor,
//	│  (retry budget, K-bounded connects)  │  backoff, unreachable ceiling
//	└──────────────────┬───────────────────┘
//	                   │ runs
//	┌──────────────────┴───────────────────┐
//	│              Session                 │  connect → clock sync →
//	│   (per-device state machine)         │  stream → close
//	└──────────────────┬───────────────────┘
//	                   │ publishes envelopes
//	┌──────────────────┴───────────────────┐
//	│            Dispatcher                │  per-(sink, sensor) queues,
//	│   (bounded fan-out, drop-oldest)     │  two-tier backpressure
//	└──────┬───────────┬────────────┬──────┘
//	       ↓           ↓            ↓
//	  ┌─────────┐ ┌─────────┐ ┌──────────┐
//	  │   CSV   │ │  NATS   │ │   Live   │
//	  │ storage │ │ outlet  │ │WebSocket │
//	  └─────────┘ └─────────┘ └──────────┘
//	  one file     {prefix}.   browser
//	  per sensor   samples.*   scopes
//
// Below the session sits the transport layer: a Scanner resolves
// configured sensor names to Devices, each Device carries a byte stream
// that the codec package reassembles (COBS framing) and decodes
// (protobuf wire records with device-clock timestamps). The transport
// is an interface; transport/sim provides a full in-process simulator
// used by tests and by the -simulate flag.
//
// # Data Flow
//
// A session establishes the link, performs the RTC-set handshake so
// device timestamps can be mapped onto the host clock, and then feeds
// every decoded record to the dispatcher as a sensor.Envelope. The
// dispatcher never blocks a session: each (sink, sensor) pair has a
// bounded queue, dropping the oldest pending envelope at capacity, so
// one slow consumer costs only its own data.
//
// # Side Channels
//
// Alongside the sample path, a running pipeline maintains:
//
//   - Status events on {prefix}.events.{sensor} and
//     {prefix}.events.pipeline: session state changes, battery
//     readings, sensors retired as unreachable, run start/stop.
//   - A mirrored log stream on logs.{run_id}.{component} for
//     dashboards following a live acquisition.
//   - Prometheus metrics and an aggregated health endpoint
//     (/metrics and /healthz on the metrics listener).
//
// The broker is optional: a missing NATS server degrades the outlet
// and the side channels while acquisition, storage, and visualization
// continue, and a background loop keeps retrying the connection.
//
// # Packages
//
// Core path:
//
//   - codec: COBS frame reassembly and record decoding
//   - sensor: identities, samples, envelopes
//   - session: the per-device acquisition state machine
//   - manager: supervision, retry budgets, connection slots
//   - dispatch: backpressure-aware fan-out
//   - output/csvfile, output/outlet, output/live: the sinks
//
// Infrastructure:
//
//   - transport, transport/sim: device link abstraction and simulator
//   - natsclient: managed NATS connection with circuit breaker
//   - config: layered configuration (defaults, file, environment)
//   - component, health, metric, errors: lifecycle, health reporting,
//     Prometheus metrics, error classification
//   - service: pipeline assembly and run lifecycle
//   - cmd/biostream: the command-line entry point
//
// # Quick Start
//
// Run against simulated sensors:
//
//	biostream --sensors=ECG1234,EDA5678 --simulate
//
// Acquire from hardware with a broker and custom recording directory:
//
//	biostream --sensors=ECG1234 --nats=nats://localhost:4222 --dir=/data/recordings
//
// Programmatic use:
//
//	cfg := config.Default()
//	cfg.Sensors = []string{"ECG1234"}
//	cfg.Simulate = true
//
//	svc, err := service.New(cfg, service.Deps{Logger: logger})
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := svc.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer svc.Stop(30 * time.Second)
package biostream
