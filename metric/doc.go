// Package metric provides Prometheus-based metrics collection and an HTTP
// server for pipeline monitoring and observability.
//
// The package offers a centralized metrics registry managing both core
// pipeline metrics (component status, record decoding, sink distribution,
// NATS health) and custom component-specific metrics. It includes an HTTP
// server exposing metrics in Prometheus format alongside the aggregated
// health endpoint.
//
// # Architecture
//
// The package follows a three-layer design:
//
//  1. Core Metrics: Pipeline-level metrics automatically registered (Metrics type)
//  2. Component Registry: Extensible registration for component-specific metrics (Registrar interface)
//  3. HTTP Server: Metrics endpoint with health checks (Server type)
//
// # Basic Usage
//
// Setting up metrics collection and the HTTP server:
//
//	registry := metric.NewRegistry()
//	server := metric.NewServer(":9090", "/metrics", registry, healthHandler)
//
//	go func() {
//	    if err := server.Start(); err != nil {
//	        log.Printf("Metrics server error: %v", err)
//	    }
//	}()
//
//	// Record core pipeline metrics
//	coreMetrics := registry.CoreMetrics()
//	coreMetrics.RecordSessionState("ECG6543", 3)
//	coreMetrics.RecordRecordDecoded("ECG6543", "ecg")
//
// The server exposes Prometheus-formatted metrics at
// http://localhost:9090/metrics and a health check at
// http://localhost:9090/healthz.
//
// # Component-Specific Metrics
//
// Components register custom metrics through the Registrar interface:
//
//	counter := prometheus.NewCounter(prometheus.CounterOpts{
//	    Namespace: "biostream",
//	    Subsystem: "csvfile",
//	    Name:      "rows_written_total",
//	    Help:      "Total CSV rows written",
//	})
//	if err := registry.RegisterCounter("csvfile", "rows_written_total", counter); err != nil {
//	    return err
//	}
//
// Registration rejects duplicate component/metric pairs with an invalid
// classified error, so components can fail fast on wiring mistakes.
package metric
