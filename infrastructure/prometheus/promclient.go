package promclient

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var OpenBooksGauge = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "booksync_open_order_books",
		Help: "number of live local order books per venue",
	},
	[]string{"venue"},
)

var ConnectionUpGauge = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "booksync_connection_up",
		Help: "1 while the venue stream connection is open",
	},
	[]string{"venue"},
)

var ResyncCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "booksync_resyncs_total",
		Help: "order book resyncs triggered by sequence gaps",
	},
	[]string{"venue"},
)

var ReconnectCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "booksync_reconnects_total",
		Help: "stream reconnect attempts after connection loss",
	},
	[]string{"venue"},
)

var DroppedFrameCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "booksync_dropped_frames_total",
		Help: "frames dropped as protocol warnings",
	},
	[]string{"venue"},
)

func StartPromClientServer(addr string) {
	reg := prometheus.NewRegistry()
	promHandler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	reg.MustRegister(OpenBooksGauge)
	reg.MustRegister(ConnectionUpGauge)
	reg.MustRegister(ResyncCounter)
	reg.MustRegister(ReconnectCounter)
	reg.MustRegister(DroppedFrameCounter)
	reg.MustRegister(collectors.NewGoCollector())

	http.Handle("/metrics", promHandler)
	logrus.Infof("prometheus server listening at %s", addr)

	if err := http.ListenAndServe(addr, nil); err != nil {
		logrus.WithError(err).Error("prometheus server stopped")
	}
}
