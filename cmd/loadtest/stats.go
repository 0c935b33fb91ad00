package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const (
	statusTransportError = "transport_error"

	// scenarioMethod: псевдо-метод, под которым пишется сценарий целиком.
	scenarioMethod = "scenario"

	callsMetric   = "loadtest_calls_total"
	latencyMetric = "loadtest_latency_seconds"
)

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeConflict
	outcomeFailed
)

func (o outcome) String() string {
	switch o {
	case outcomeSuccess:
		return "success"
	case outcomeConflict:
		return "conflict"
	default:
		return "failed"
	}
}

// classify: 2xx успех, 409 проигрыш в конкуренции за остаток, остальное ошибка.
func classify(status int) outcome {
	switch {
	case status >= 200 && status < 300:
		return outcomeSuccess
	case status == 409:
		return outcomeConflict
	default:
		return outcomeFailed
	}
}

func statusLabel(status int) string {
	if status == 0 {
		return statusTransportError
	}
	return strconv.Itoa(status)
}

// latencySummary: квантили из prometheus.Summary, в миллисекундах.
type latencySummary struct {
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type methodReport struct {
	Calls     int64            `json:"calls"`
	Success   int64            `json:"success"`
	Conflicts int64            `json:"conflicts"`
	Failed    int64            `json:"failed"`
	ErrorRate float64          `json:"error_rate"`
	Codes     map[string]int64 `json:"codes"`
	LatencyMs latencySummary   `json:"latency_ms"`
}

type report struct {
	StartedAt         time.Time               `json:"started_at"`
	DurationSeconds   float64                 `json:"duration_seconds"`
	TotalScenarios    int64                   `json:"total_scenarios"`
	SuccessScenarios  int64                   `json:"success_scenarios"`
	ConflictScenarios int64                   `json:"conflict_scenarios"`
	FailedScenarios   int64                   `json:"failed_scenarios"`
	ErrorRate         float64                 `json:"error_rate"`
	RPS               float64                 `json:"rps"`
	ScenarioLatencyMs latencySummary          `json:"scenario_latency_ms"`
	Methods           map[string]methodReport `json:"methods"`
}

// collector пишет каждый вызов в собственный prometheus.Registry; отчёт строится из Gather.
type collector struct {
	registry *prometheus.Registry
	calls    *prometheus.CounterVec
	latency  *prometheus.SummaryVec
}

func newCollector() *collector {
	c := &collector{
		registry: prometheus.NewRegistry(),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: callsMetric,
			Help: "Load test calls by method, status code and outcome.",
		}, []string{"method", "code", "outcome"}),
		latency: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       latencyMetric,
			Help:       "Load test call latency.",
			Objectives: map[float64]float64{0.5: 0.01, 0.95: 0.005, 0.99: 0.001},
			MaxAge:     24 * time.Hour,
		}, []string{"method"}),
	}
	c.registry.MustRegister(c.calls, c.latency)
	return c
}

func (c *collector) record(method string, latency time.Duration, status int, result outcome) {
	c.calls.WithLabelValues(method, statusLabel(status), result.String()).Inc()
	c.latency.WithLabelValues(method).Observe(latency.Seconds())
}

// timer засекает вызов; возвращённая функция записывает его итог.
func (c *collector) timer(method string) func(status int, result outcome) {
	start := time.Now()
	return func(status int, result outcome) {
		c.record(method, time.Since(start), status, result)
	}
}

// methods собирает отчёты по всем методам из текущего состояния registry.
func (c *collector) methods() (map[string]methodReport, error) {
	families, err := c.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather load test metrics: %w", err)
	}

	out := map[string]methodReport{}
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			labels := labelMap(metric)
			rep := out[labels["method"]]
			switch family.GetName() {
			case callsMetric:
				n := int64(metric.GetCounter().GetValue())
				rep.Calls += n
				if rep.Codes == nil {
					rep.Codes = map[string]int64{}
				}
				rep.Codes[labels["code"]] += n
				switch labels["outcome"] {
				case outcomeSuccess.String():
					rep.Success += n
				case outcomeConflict.String():
					rep.Conflicts += n
				default:
					rep.Failed += n
				}
			case latencyMetric:
				rep.LatencyMs = latencyFrom(metric.GetSummary())
			}
			out[labels["method"]] = rep
		}
	}
	for name, rep := range out {
		rep.ErrorRate = ratio(rep.Failed, rep.Calls)
		out[name] = rep
	}
	return out, nil
}

func (c *collector) snapshot(method string) (methodReport, bool) {
	all, err := c.methods()
	if err != nil {
		return methodReport{}, false
	}
	rep, ok := all[method]
	return rep, ok
}

func (c *collector) buildReport(startedAt time.Time, elapsed time.Duration) (report, error) {
	methods, err := c.methods()
	if err != nil {
		return report{}, err
	}

	total := methods[scenarioMethod]
	out := report{
		StartedAt:         startedAt.UTC(),
		DurationSeconds:   elapsed.Seconds(),
		TotalScenarios:    total.Calls,
		SuccessScenarios:  total.Success,
		ConflictScenarios: total.Conflicts,
		FailedScenarios:   total.Failed,
		ErrorRate:         total.ErrorRate,
		ScenarioLatencyMs: total.LatencyMs,
		Methods:           methods,
	}
	if elapsed > 0 {
		out.RPS = float64(total.Calls) / elapsed.Seconds()
	}
	return out, nil
}

func labelMap(metric *dto.Metric) map[string]string {
	labels := make(map[string]string, len(metric.GetLabel()))
	for _, pair := range metric.GetLabel() {
		labels[pair.GetName()] = pair.GetValue()
	}
	return labels
}

func latencyFrom(summary *dto.Summary) latencySummary {
	var out latencySummary
	if count := summary.GetSampleCount(); count > 0 {
		out.Avg = summary.GetSampleSum() / float64(count) * 1000
	}
	for _, q := range summary.GetQuantile() {
		ms := q.GetValue() * 1000
		if math.IsNaN(ms) {
			// пустой summary отдаёт NaN, а encoding/json его не кодирует
			ms = 0
		}
		switch q.GetQuantile() {
		case 0.5:
			out.P50 = ms
		case 0.95:
			out.P95 = ms
		case 0.99:
			out.P99 = ms
		}
	}
	return out
}

func ratio(part, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(part) / float64(total)
}

// writeJSONReport пишет отчёт по абсолютному пути или по относительному внутри рабочей директории.
func writeJSONReport(path string, result report) error {
	clean := filepath.Clean(path)
	if !filepath.IsAbs(clean) && !filepath.IsLocal(clean) {
		return fmt.Errorf("output path escapes the working directory: %s", path)
	}
	if clean == "." || clean == string(filepath.Separator) {
		return errors.New("output path must point to a file")
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return os.WriteFile(clean, append(data, '\n'), 0o644)
}

func printReport(out io.Writer, result report, cfg config) {
	fmt.Fprintf(out, "Load test summary: mode=%s run=%s\n", cfg.mode, runTarget(cfg))
	fmt.Fprintf(out, "scenarios total=%d success=%d conflicts=%d failed=%d error_rate=%.4f rps=%.2f in %.2fs\n",
		result.TotalScenarios, result.SuccessScenarios, result.ConflictScenarios, result.FailedScenarios,
		result.ErrorRate, result.RPS, result.DurationSeconds)
	fmt.Fprintf(out, "scenario latency ms: avg=%.2f p50=%.2f p95=%.2f p99=%.2f\n",
		result.ScenarioLatencyMs.Avg, result.ScenarioLatencyMs.P50, result.ScenarioLatencyMs.P95, result.ScenarioLatencyMs.P99)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "method\tcalls\tsuccess\tconflicts\tfailed\terror_rate\tp95_ms")
	for _, name := range slices.Sorted(maps.Keys(result.Methods)) {
		if name == scenarioMethod {
			continue
		}
		m := result.Methods[name]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%.4f\t%.2f\n",
			name, m.Calls, m.Success, m.Conflicts, m.Failed, m.ErrorRate, m.LatencyMs.P95)
	}
	_ = tw.Flush()
}

func runTarget(cfg config) string {
	switch {
	case cfg.duration <= 0:
		return fmt.Sprintf("count:%d", cfg.total)
	case cfg.totalSet:
		return fmt.Sprintf("duration:%s,max-total:%d", cfg.duration, cfg.total)
	default:
		return fmt.Sprintf("duration:%s", cfg.duration)
	}
}
