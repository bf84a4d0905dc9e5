package server

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jaapp/ha-marstek/pkg/sensor"
	"github.com/jaapp/ha-marstek/pkg/types"
)

const namespace = "marstek"

// Collector exports the latest fleet snapshot. It never talks to a device;
// scrapes only read what the coordinators already fetched.
type Collector struct {
	fleet Fleet

	sensors    map[string]*prometheus.Desc
	binary     map[string]*prometheus.Desc
	aggregates map[string]*prometheus.Desc

	up            *prometheus.Desc
	info          *prometheus.Desc
	text          *prometheus.Desc
	attempts      *prometheus.Desc
	successes     *prometheus.Desc
	timeouts      *prometheus.Desc
	lastLatency   *prometheus.Desc
	deviceCount   *prometheus.Desc
	combinedState *prometheus.Desc
}

func help(name, unit string) string {
	if unit == "" {
		return name
	}
	return name + " (" + unit + ")"
}

// NewCollector builds one descriptor per sensor description.
func NewCollector(fleet Fleet) *Collector {
	deviceLabels := []string{"mac", "name"}
	c := &Collector{
		fleet:      fleet,
		sensors:    make(map[string]*prometheus.Desc, len(sensor.Descriptions)),
		binary:     make(map[string]*prometheus.Desc, len(sensor.BinaryDescriptions)),
		aggregates: make(map[string]*prometheus.Desc, len(sensor.AggregateDescriptions)),

		up: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "device", "up"),
			"Whether the device has data (1) or not (0)",
			deviceLabels, nil,
		),
		info: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "device", "info"),
			"Device information",
			[]string{"mac", "name", "host", "model", "firmware"}, nil,
		),
		text: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "device", "text"),
			"Textual device values such as the Wi-Fi network or the operating mode",
			[]string{"mac", "name", "key", "value"}, nil,
		),
		attempts: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "command", "attempts_total"),
			"Requests sent per method",
			[]string{"mac", "name", "method"}, nil,
		),
		successes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "command", "success_total"),
			"Requests answered per method",
			[]string{"mac", "name", "method"}, nil,
		),
		timeouts: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "command", "timeouts_total"),
			"Requests that timed out per method",
			[]string{"mac", "name", "method"}, nil,
		),
		lastLatency: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "command", "last_latency_seconds"),
			"Latency of the last answered request per method",
			[]string{"mac", "name", "method"}, nil,
		),
		deviceCount: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "system", "devices"),
			"Devices with data in the last snapshot",
			nil, nil,
		),
		combinedState: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "system", "state"),
			"Combined battery state of the fleet",
			[]string{"state"}, nil,
		),
	}
	for _, d := range sensor.Descriptions {
		c.sensors[d.Key] = prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", d.Key),
			help(d.Name, d.Unit),
			deviceLabels, nil,
		)
	}
	for _, d := range sensor.BinaryDescriptions {
		c.binary[d.Key] = prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", d.Key),
			d.Name+" (1 or 0)",
			deviceLabels, nil,
		)
	}
	for _, d := range sensor.AggregateDescriptions {
		c.aggregates[d.Key] = prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", d.Key),
			help(d.Name, d.Unit),
			nil, nil,
		)
	}
	return c
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.sensors {
		ch <- d
	}
	for _, d := range c.binary {
		ch <- d
	}
	for _, d := range c.aggregates {
		ch <- d
	}
	ch <- c.up
	ch <- c.info
	ch <- c.text
	ch <- c.attempts
	ch <- c.successes
	ch <- c.timeouts
	ch <- c.lastLatency
	ch <- c.deviceCount
	ch <- c.combinedState
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	data := c.fleet.Data()
	for _, info := range c.fleet.Devices() {
		c.collectDevice(info, data.Devices[info.Key()], ch)
	}

	for _, d := range sensor.AggregateDescriptions {
		if v, ok := d.Value(data.Aggregates); ok {
			ch <- prometheus.MustNewConstMetric(c.aggregates[d.Key], prometheus.GaugeValue, v)
		}
	}
	ch <- prometheus.MustNewConstMetric(c.deviceCount, prometheus.GaugeValue, float64(data.Aggregates.DeviceCount))
	if data.Aggregates.CombinedState != "" {
		ch <- prometheus.MustNewConstMetric(c.combinedState, prometheus.GaugeValue, 1, data.Aggregates.CombinedState)
	}
}

func (c *Collector) collectDevice(info types.DeviceInfo, snap types.Snapshot, ch chan<- prometheus.Metric) {
	key := info.Key()
	labels := []string{key, info.Name}

	up := 0.0
	if !snap.Empty() {
		up = 1
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, up, labels...)
	ch <- prometheus.MustNewConstMetric(c.info, prometheus.GaugeValue, 1,
		key, info.Name, info.Host, info.Model, strconv.Itoa(info.Firmware),
	)

	for _, d := range sensor.Descriptions {
		if v, ok := d.Value(snap); ok {
			ch <- prometheus.MustNewConstMetric(c.sensors[d.Key], prometheus.GaugeValue, v, labels...)
		}
	}
	for _, d := range sensor.BinaryDescriptions {
		if v, ok := d.Value(snap); ok {
			n := 0.0
			if v {
				n = 1
			}
			ch <- prometheus.MustNewConstMetric(c.binary[d.Key], prometheus.GaugeValue, n, labels...)
		}
	}
	for _, d := range sensor.TextDescriptions {
		if v, ok := d.Value(snap); ok {
			ch <- prometheus.MustNewConstMetric(c.text, prometheus.GaugeValue, 1, key, info.Name, d.Key, v)
		}
	}

	stats, err := c.fleet.CommandStats(key)
	if err != nil {
		return
	}
	for method, st := range stats {
		ml := []string{key, info.Name, method}
		ch <- prometheus.MustNewConstMetric(c.attempts, prometheus.CounterValue, float64(st.TotalAttempts), ml...)
		ch <- prometheus.MustNewConstMetric(c.successes, prometheus.CounterValue, float64(st.TotalSuccess), ml...)
		ch <- prometheus.MustNewConstMetric(c.timeouts, prometheus.CounterValue, float64(st.TotalTimeouts), ml...)
		if st.LastLatency > 0 {
			ch <- prometheus.MustNewConstMetric(c.lastLatency, prometheus.GaugeValue, st.LastLatency.Seconds(), ml...)
		}
	}
}
