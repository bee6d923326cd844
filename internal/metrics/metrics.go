package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ScansTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qrattend", Name: "scans_total", Help: "Processed scans by outcome",
	}, []string{"outcome"})
	SessionsOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "qrattend", Name: "sessions_opened_total", Help: "Check-ins recorded",
	})
	SessionsClosed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "qrattend", Name: "sessions_closed_total", Help: "Check-outs recorded",
	})
	CredentialsIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "qrattend", Name: "credentials_issued_total", Help: "QR credentials issued",
	})
	DBPing = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "qrattend", Name: "db_ping_seconds", Help: "DB ping latency",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(ScansTotal, SessionsOpened, SessionsClosed, CredentialsIssued, DBPing)
}

func Handler() http.Handler { return promhttp.Handler() }

func ObserveDBPing(d time.Duration) { DBPing.Observe(d.Seconds()) }
