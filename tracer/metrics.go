/*
Copyright (c) PacketScope and its affiliates.
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at
    http://www.apache.org/licenses/LICENSE-2.0
Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package tracer

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

var (
	attachSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "packetscope_attach_skipped_total",
		Help: "Kernel functions skipped because entry or exit attachment failed",
	})
	eventsDecoded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "packetscope_events_decoded_total",
		Help: "Ring buffer records decoded, by stream",
	}, []string{"stream"})
	eventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "packetscope_events_dropped_total",
		Help: "Ring buffer records discarded in user space because they could not be decoded, by stream",
	}, []string{"stream"})
	storeWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "packetscope_store_write_errors_total",
		Help: "Failed store writes (logged and skipped)",
	})
)

// StartExporter serves the prometheus registry on addr. Best effort: a dead
// exporter never takes the tracer down.
func StartExporter(addr string) {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Errorf("metrics exporter stopped: %v", err)
		}
	}()
}
