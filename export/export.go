// Package export writes reading snapshots out of the process: JSON and CSV
// files for ad-hoc capture, Prometheus textfile-collector output for
// scraping, and a UDP line sender for the fleet listener. The drivers and
// the aggregator hand over plain maps; all formatting lives here.
package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// WriteJSON writes v as indented JSON. Map keys come out sorted, so the same
// snapshot always produces the same file.
func WriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// WriteCSV writes rows as a single table. The header is the sorted union of
// every row's keys; rows missing a key get an empty cell. No rows writes an
// empty file.
func WriteCSV(path string, rows []map[string]interface{}) error {
	if len(rows) == 0 {
		return os.WriteFile(path, nil, 0o644)
	}
	headerSet := map[string]bool{}
	for _, row := range rows {
		for k := range row {
			headerSet[k] = true
		}
	}
	header := make([]string, 0, len(headerSet))
	for k := range headerSet {
		header = append(header, k)
	}
	sort.Strings(header)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return err
	}
	record := make([]string, len(header))
	for _, row := range rows {
		for i, k := range header {
			record[i] = ""
			if v, ok := row[k]; ok {
				record[i] = valueString(v)
			}
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

func valueString(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return strings.Trim(string(data), `"`)
}

const promHelp = "powermon telemetry"

// snapshotCollector hands a fixed set of already-built const metrics to a
// registry, which is how a one-shot gather gets explicit timestamps.
type snapshotCollector []prometheus.Metric

func (c snapshotCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c {
		ch <- m.Desc()
	}
}

func (c snapshotCollector) Collect(ch chan<- prometheus.Metric) {
	for _, m := range c {
		ch <- m
	}
}

// WriteProm writes values in the Prometheus text exposition format for the
// node exporter's textfile collector. Every key becomes a <prefix><key>
// gauge stamped with ts; string values become a gauge of 1 carrying the
// string in a "value" label. A reserved <prefix>timestamp_ series carries
// the snapshot's epoch seconds. The file is written to a temp path and
// renamed so the collector never scrapes a half-written file.
func WriteProm(path, prefix string, values map[string]interface{}, ts time.Time) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	metrics := make([]prometheus.Metric, 0, len(keys)+1)
	for _, k := range keys {
		name := sanitizeMetricName(prefix + k)
		switch v := values[k].(type) {
		case string:
			desc := prometheus.NewDesc(name, promHelp, nil, prometheus.Labels{"value": v})
			metrics = append(metrics, prometheus.NewMetricWithTimestamp(ts,
				prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, 1)))
		default:
			f, ok := ToFloat64(v)
			if !ok {
				continue
			}
			desc := prometheus.NewDesc(name, promHelp, nil, nil)
			metrics = append(metrics, prometheus.NewMetricWithTimestamp(ts,
				prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, f)))
		}
	}
	tsDesc := prometheus.NewDesc(sanitizeMetricName(prefix+"timestamp_"), promHelp, nil, nil)
	metrics = append(metrics, prometheus.NewMetricWithTimestamp(ts,
		prometheus.MustNewConstMetric(tsDesc, prometheus.GaugeValue, float64(ts.Unix()))))

	registry := prometheus.NewRegistry()
	if err := registry.Register(snapshotCollector(metrics)); err != nil {
		return err
	}
	families, err := registry.Gather()
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	for _, family := range families {
		if _, err := expfmt.MetricFamilyToText(&buf, family); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// sanitizeMetricName maps arbitrary snapshot keys into the metric name
// alphabet [a-zA-Z0-9_:], with no leading digit.
func sanitizeMetricName(name string) string {
	out := []byte(name)
	for i, c := range out {
		ok := c == '_' || c == ':' ||
			(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9' && i > 0)
		if !ok {
			out[i] = '_'
		}
	}
	return string(out)
}

// IsRawKey reports whether a reading key carries an uncompensated register
// value. The drivers name those raw_* or *_raw, and they stay out of every
// export surface meant for humans or dashboards.
func IsRawKey(k string) bool {
	return strings.HasPrefix(k, "raw") || strings.HasSuffix(k, "_raw")
}

// ToFloat64 widens any numeric or boolean reading value to float64. The
// second return is false for anything else (strings, slices, nil).
func ToFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// WriteAuto dispatches on the path's extension: .prom and .txt get the
// Prometheus text format, .csv a table, anything else JSON.
func WriteAuto(path string, v interface{}) error {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".prom") || strings.HasSuffix(lower, ".txt"):
		m, err := asSingleMap(v)
		if err != nil {
			return err
		}
		return WriteProm(path, "", m, time.Now())
	case strings.HasSuffix(lower, ".csv"):
		rows, err := asRows(v)
		if err != nil {
			return err
		}
		return WriteCSV(path, rows)
	default:
		return WriteJSON(path, v)
	}
}

func asSingleMap(v interface{}) (map[string]interface{}, error) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, nil
	case []map[string]interface{}:
		if len(m) == 1 {
			return m[0], nil
		}
	}
	return nil, errors.Errorf("prometheus output needs a single flat mapping, not %T", v)
}

func asRows(v interface{}) ([]map[string]interface{}, error) {
	switch rows := v.(type) {
	case []map[string]interface{}:
		return rows, nil
	case map[string]interface{}:
		return []map[string]interface{}{rows}, nil
	}
	return nil, errors.Errorf("CSV output needs a mapping or a list of mappings, not %T", v)
}
