// Package monitoring exports nftfence counters and histograms with
// Prometheus.
//
// One-shot invocations write the registry to a node-exporter textfile
// (WriteTextfile). The watch daemon additionally serves /metrics and
// /health over HTTP (Serve).
//
// The recording methods accept a nil receiver so components can be built
// without metrics in tests.
//
// Usage:
//
//	metrics := monitoring.NewMetrics()
//	metrics.Artifact("written")
//	if err := metrics.WriteTextfile(path); err != nil {
//		// handle error
//	}
package monitoring
