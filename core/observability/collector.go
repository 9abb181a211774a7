package observability

import (
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/common/expfmt"
)

const namespace = "blizzard"

// Collector exports Stats as Prometheus metrics.
type Collector struct {
	stats *Stats
	now   func() time.Time

	uptime    *prometheus.Desc
	requests  *prometheus.Desc
	rps       *prometheus.Desc
	fds       *prometheus.Desc
	queueLen  *prometheus.Desc
	queueMax  *prometheus.Desc
	connTime  *prometheus.Desc
	pages     *prometheus.Desc
	objects   *prometheus.Desc
	bufGets   *prometheus.Desc
	bufMisses *prometheus.Desc
}

// NewCollector returns a collector reading from stats.
func NewCollector(stats *Stats) *Collector {
	return &Collector{
		stats: stats,
		now:   time.Now,

		uptime: prometheus.NewDesc(namespace+"_uptime_seconds",
			"Seconds since the server started.", nil, nil),
		requests: prometheus.NewDesc(namespace+"_connections_served_total",
			"Connections served since start.", nil, nil),
		rps: prometheus.NewDesc(namespace+"_requests_per_second",
			"Requests per second over the last statistics window.", nil, nil),
		fds: prometheus.NewDesc(namespace+"_open_connections",
			"Client connections currently open.", nil, nil),
		queueLen: prometheus.NewDesc(namespace+"_queue_length",
			"Current pipeline queue length.", []string{"queue"}, nil),
		queueMax: prometheus.NewDesc(namespace+"_queue_max_length",
			"Pipeline queue high-water mark over the last statistics window.", []string{"queue"}, nil),
		connTime: prometheus.NewDesc(namespace+"_connection_lifetime_seconds",
			"Connection lifetime over the last statistics window.", []string{"stat"}, nil),
		pages: prometheus.NewDesc(namespace+"_pool_pages",
			"Pages held by the connection pool.", nil, nil),
		objects: prometheus.NewDesc(namespace+"_pool_objects",
			"Connection objects currently allocated from the pool.", nil, nil),
		bufGets: prometheus.NewDesc(namespace+"_buffer_gets_total",
			"Buffer segments taken from the byte pool.", nil, nil),
		bufMisses: prometheus.NewDesc(namespace+"_buffer_misses_total",
			"Buffer segments the byte pool had to allocate.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.uptime, c.requests, c.rps, c.fds, c.queueLen, c.queueMax,
		c.connTime, c.pages, c.objects, c.bufGets, c.bufMisses,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats.Snapshot(c.now())

	ch <- prometheus.MustNewConstMetric(c.uptime, prometheus.GaugeValue, s.Uptime.Seconds())
	ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(s.Requests))
	ch <- prometheus.MustNewConstMetric(c.rps, prometheus.GaugeValue, s.RPS)
	ch <- prometheus.MustNewConstMetric(c.fds, prometheus.GaugeValue, float64(s.FDCount))

	for _, q := range []struct {
		name     string
		cur, max int
	}{
		{"easy", s.Queues.Easy, s.Queues.MaxEasy},
		{"hard", s.Queues.Hard, s.Queues.MaxHard},
		{"done", s.Queues.Done, s.Queues.MaxDone},
	} {
		ch <- prometheus.MustNewConstMetric(c.queueLen, prometheus.GaugeValue, float64(q.cur), q.name)
		ch <- prometheus.MustNewConstMetric(c.queueMax, prometheus.GaugeValue, float64(q.max), q.name)
	}

	ch <- prometheus.MustNewConstMetric(c.connTime, prometheus.GaugeValue, s.ConnTime.Min.Seconds(), "min")
	ch <- prometheus.MustNewConstMetric(c.connTime, prometheus.GaugeValue, s.ConnTime.Avg.Seconds(), "avg")
	ch <- prometheus.MustNewConstMetric(c.connTime, prometheus.GaugeValue, s.ConnTime.Max.Seconds(), "max")

	ch <- prometheus.MustNewConstMetric(c.pages, prometheus.GaugeValue, float64(s.Pages))
	ch <- prometheus.MustNewConstMetric(c.objects, prometheus.GaugeValue, float64(s.Objects))
	ch <- prometheus.MustNewConstMetric(c.bufGets, prometheus.CounterValue, float64(s.Buffers.Gets))
	ch <- prometheus.MustNewConstMetric(c.bufMisses, prometheus.CounterValue, float64(s.Buffers.Misses))
}

// NewRegistry returns a registry holding the stats collector and, when
// runtime is set, the Go runtime and process collectors.
func NewRegistry(stats *Stats, runtime bool) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(stats))
	if runtime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return reg
}

// MetricsContentType is the content type written by WriteMetrics.
var MetricsContentType = string(expfmt.NewFormat(expfmt.TypeTextPlain))

// WriteMetrics gathers g and writes it in the Prometheus text format.
func WriteMetrics(w io.Writer, g prometheus.Gatherer) error {
	mfs, err := g.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
