//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package main

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-metrics/datadog"
	"github.com/hashicorp/go-metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signalapp/surveytokens/cmd/internal/util"
)

// requestLabels identify a request by its route pattern and status only.
// Nothing taken from the request itself becomes a label.
func requestLabels(route string, status int) []metrics.Label {
	return []metrics.Label{
		{Name: "endpoint", Value: route},
		{Name: "status", Value: strconv.Itoa(status)},
		{Name: "class", Value: fmt.Sprintf("%dxx", status/100)},
	}
}

func newMetricsSink(datadogAddr string) (metrics.MetricSink, error) {
	prom, err := prometheus.NewPrometheusSink()
	if err != nil {
		return nil, fmt.Errorf("building prometheus sink: %w", err)
	}
	if datadogAddr == "" {
		return prom, nil
	}

	util.Log().Infof("Sending metrics to datadog at %q", datadogAddr)
	ddog, err := datadog.NewDogStatsdSink(datadogAddr, "")
	if err != nil {
		return nil, fmt.Errorf("building statsd sink: %w", err)
	}
	return metrics.FanoutSink{prom, ddog}, nil
}

// exportMetrics installs the global registry that the token service, the
// stores and the HTTP layer record to.
func exportMetrics(datadogAddr string) error {
	sink, err := newMetricsSink(datadogAddr)
	if err != nil {
		return err
	}

	cfg := metrics.DefaultConfig("surveys")
	cfg.EnableHostname = false
	cfg.EnableHostnameLabel = false
	cfg.TimerGranularity = time.Millisecond
	if _, err := metrics.NewGlobal(cfg, sink); err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}

	metrics.SetGaugeWithLabels([]string{"build_info"}, 1, []metrics.Label{
		{Name: "version", Value: Version},
		{Name: "goversion", Value: GoVersion},
	})
	return nil
}

// newMetricsServer serves the Prometheus registry and the build version on a
// port separate from the public API.
func newMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /debug/version", func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprintf(w, "Version: %s, GoVersion: %s", Version, GoVersion)
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
