// Package health tracks and aggregates the health of pipeline stages.
//
// Three states are reported: healthy (running normally), degraded (not running,
// or running after recorded errors) and unhealthy (failed). The pipeline Manager
// converts each stage report with FromStage, stores it in a Monitor and returns
// the aggregate:
//
//	monitor := health.NewMonitor()
//	if prev, changed := monitor.Update("udp-reader", health.FromStage("udp-reader", report)); changed {
//	    logger.Info("Stage health changed", "from", prev)
//	}
//	overall := monitor.Snapshot("pipeline")
//
// Error messages passed through FromStage are sanitized: URLs, IP addresses,
// ports, file paths and credential-like pairs are replaced with placeholders.
package health
