package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"google.golang.org/grpc/codes"
	"gopkg.in/yaml.v3"
)

// scenarioMethod: под этим именем копится итог сценария целиком.
const scenarioMethod = "scenario"

type latencySummary struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
	Avg float64 `json:"avg" yaml:"avg"`
	P50 float64 `json:"p50" yaml:"p50"`
	P95 float64 `json:"p95" yaml:"p95"`
	P99 float64 `json:"p99" yaml:"p99"`
}

// methodReport: Rejected считает ожидаемые отказы по остатку, они не ошибка.
type methodReport struct {
	Calls     int64            `json:"calls" yaml:"calls"`
	Success   int64            `json:"success" yaml:"success"`
	Rejected  int64            `json:"rejected" yaml:"rejected"`
	Failed    int64            `json:"failed" yaml:"failed"`
	ErrorRate float64          `json:"error_rate" yaml:"error_rate"`
	Codes     map[string]int64 `json:"codes" yaml:"codes"`
	LatencyMs latencySummary   `json:"latency_ms" yaml:"latency_ms"`
}

// stockCheck сверяет остаток hot-sku до и после прогона.
type stockCheck struct {
	SKU            string `json:"sku" yaml:"sku"`
	Before         int64  `json:"before" yaml:"before"`
	After          int64  `json:"after" yaml:"after"`
	CommittedUnits int64  `json:"committed_units" yaml:"committed_units"`
	Oversold       bool   `json:"oversold" yaml:"oversold"`
	Error          string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Consistent сообщает, что остаток не ушёл в минус и продано не больше, чем было.
func (c stockCheck) Consistent() bool {
	return c.Error == "" && !c.Oversold
}

// evaluate допускает After выше ожидаемого: истёкшие резервы возвращают
// остаток прямо во время прогона.
func (c *stockCheck) evaluate() {
	expectedFloor := c.Before - c.CommittedUnits
	c.Oversold = c.After < 0 || expectedFloor < 0 || c.After < expectedFloor
}

type report struct {
	StartedAt         time.Time               `json:"started_at" yaml:"started_at"`
	DurationSeconds   float64                 `json:"duration_seconds" yaml:"duration_seconds"`
	TotalScenarios    int64                   `json:"total_scenarios" yaml:"total_scenarios"`
	Committed         int64                   `json:"committed" yaml:"committed"`
	Rejected          int64                   `json:"rejected" yaml:"rejected"`
	FailedScenarios   int64                   `json:"failed_scenarios" yaml:"failed_scenarios"`
	ErrorRate         float64                 `json:"error_rate" yaml:"error_rate"`
	RPS               float64                 `json:"rps" yaml:"rps"`
	ScenarioLatencyMs latencySummary          `json:"scenario_latency_ms" yaml:"scenario_latency_ms"`
	Methods           map[string]methodReport `json:"methods" yaml:"methods"`
	Stock             *stockCheck             `json:"stock,omitempty" yaml:"stock,omitempty"`
}

// Healthy сообщает о прогоне без инфраструктурных ошибок и без перепродажи.
func (r report) Healthy() bool {
	return r.FailedScenarios == 0 && (r.Stock == nil || r.Stock.Consistent())
}

// outcome классифицирует gRPC-код вызова для отчёта.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeRejected
	outcomeFailed
)

func outcomeOf(code codes.Code) outcome {
	switch code {
	case codes.OK:
		return outcomeSuccess
	case codes.FailedPrecondition:
		return outcomeRejected
	default:
		return outcomeFailed
	}
}

type methodStats struct {
	byOutcome [3]int64
	codes     map[string]int64
	latencies []float64
}

func (s *methodStats) calls() int64 {
	return s.byOutcome[outcomeSuccess] + s.byOutcome[outcomeRejected] + s.byOutcome[outcomeFailed]
}

func (s *methodStats) toReport() methodReport {
	failed := s.byOutcome[outcomeFailed]
	return methodReport{
		Calls:     s.calls(),
		Success:   s.byOutcome[outcomeSuccess],
		Rejected:  s.byOutcome[outcomeRejected],
		Failed:    failed,
		ErrorRate: ratio(failed, s.calls()),
		Codes:     maps.Clone(s.codes),
		LatencyMs: buildLatencySummary(s.latencies),
	}
}

// collector копит статистику вызовов из всех воркеров прогона.
type collector struct {
	mu      sync.Mutex
	methods map[string]*methodStats
}

func newCollector() *collector {
	return &collector{methods: make(map[string]*methodStats)}
}

func (c *collector) record(method string, latency time.Duration, code codes.Code) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.methods[method]
	if stats == nil {
		stats = &methodStats{codes: make(map[string]int64)}
		c.methods[method] = stats
	}
	stats.byOutcome[outcomeOf(code)]++
	stats.codes[code.String()]++
	stats.latencies = append(stats.latencies, float64(latency.Microseconds())/1000.0)
}

func (c *collector) snapshot(name string) (methodReport, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if stats, ok := c.methods[name]; ok {
		return stats.toReport(), true
	}
	return methodReport{}, false
}

func (c *collector) buildReport(startedAt time.Time, duration time.Duration) report {
	c.mu.Lock()
	methods := make(map[string]methodReport, len(c.methods))
	for name, stats := range c.methods {
		methods[name] = stats.toReport()
	}
	c.mu.Unlock()

	scenario := methods[scenarioMethod]
	result := report{
		StartedAt:         startedAt.UTC(),
		DurationSeconds:   duration.Seconds(),
		TotalScenarios:    scenario.Calls,
		Committed:         scenario.Success,
		Rejected:          scenario.Rejected,
		FailedScenarios:   scenario.Failed,
		ErrorRate:         scenario.ErrorRate,
		ScenarioLatencyMs: scenario.LatencyMs,
		Methods:           methods,
	}
	if duration > 0 {
		result.RPS = float64(result.TotalScenarios) / duration.Seconds()
	}
	return result
}

// writeReport сохраняет отчёт в JSON, а для .yaml и .yml в YAML.
func writeReport(path string, result report) error {
	cleanPath := filepath.Clean(path)
	switch {
	case cleanPath == "." || cleanPath == string(filepath.Separator):
		return errors.New("output path must point to a file")
	case cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)):
		return fmt.Errorf("output path must be inside current directory: %s", path)
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(cleanPath)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(result)
	default:
		data, err = json.MarshalIndent(result, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return os.WriteFile(cleanPath, data, 0o600)
}

func printReport(out io.Writer, result report, cfg config) {
	lat := result.ScenarioLatencyMs
	_, _ = fmt.Fprintln(out, "Checkout contention summary")
	_, _ = fmt.Fprintf(out, "mode=%s sku=%s qty=%d run=%s total=%d committed=%d rejected=%d failed=%d error_rate=%.4f\n",
		cfg.mode, cfg.sku, cfg.qty, runTarget(cfg),
		result.TotalScenarios, result.Committed, result.Rejected, result.FailedScenarios, result.ErrorRate)
	_, _ = fmt.Fprintf(out, "duration=%.2fs rps=%.2f\n", result.DurationSeconds, result.RPS)
	_, _ = fmt.Fprintf(out, "scenario latency ms: min=%.2f avg=%.2f p50=%.2f p95=%.2f p99=%.2f max=%.2f\n",
		lat.Min, lat.Avg, lat.P50, lat.P95, lat.P99, lat.Max)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, name := range slices.Sorted(maps.Keys(result.Methods)) {
		if name == scenarioMethod {
			continue
		}
		m := result.Methods[name]
		_, _ = fmt.Fprintf(tw, "%s:\tcalls=%d\tsuccess=%d\trejected=%d\tfailed=%d\tp95=%.2fms\n",
			name, m.Calls, m.Success, m.Rejected, m.Failed, m.LatencyMs.P95)
	}
	_ = tw.Flush()

	switch stock := result.Stock; {
	case stock == nil:
	case stock.Error != "":
		_, _ = fmt.Fprintf(out, "stock check: error=%s\n", stock.Error)
	default:
		_, _ = fmt.Fprintf(out, "stock check: before=%d after=%d committed_units=%d oversold=%t\n",
			stock.Before, stock.After, stock.CommittedUnits, stock.Oversold)
	}
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

func buildLatencySummary(values []float64) latencySummary {
	if len(values) == 0 {
		return latencySummary{}
	}
	sorted := slices.Sorted(slices.Values(values))

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return latencySummary{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		Avg: sum / float64(len(sorted)),
		P50: percentile(sorted, 50),
		P95: percentile(sorted, 95),
		P99: percentile(sorted, 99),
	}
}

// percentile ожидает отсортированный срез и линейно интерполирует между рангами.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(rank)
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[lo+1]-sorted[lo])*frac
}

func ratio(part, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(part) / float64(total)
}
