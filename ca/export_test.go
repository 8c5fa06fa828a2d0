package ca

import "github.com/prometheus/client_golang/prometheus"

func MetricCertificatesIssued() prometheus.Collector { return certificatesIssued }
func MetricSerialCollisions() prometheus.Collector   { return serialCollisions }
func MetricHookFailures() prometheus.Collector       { return hookFailures }
func MetricCRLEntries() prometheus.Collector         { return crlEntries }

func MetricIssueFailures(label string) prometheus.Collector {
	return issueFailures.WithLabelValues(label)
}
