package perfcheck

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/montanaflynn/stats"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityModerate Severity = "moderate"
)

// Finding is one metric comparison that crossed the threshold. Change
// is relative for ratio metrics and absolute for error rates; positive
// always means worse.
type Finding struct {
	Type        string   `json:"type"`
	Metric      string   `json:"metric"`
	Baseline    float64  `json:"baseline"`
	Current     float64  `json:"current"`
	Change      float64  `json:"change"`
	Severity    Severity `json:"severity,omitempty"`
	Description string   `json:"description"`
}

type Report struct {
	Summary             string    `json:"summary"`
	Regressions         []Finding `json:"regressions"`
	CriticalRegressions []Finding `json:"critical_regressions"`
	ModerateRegressions []Finding `json:"moderate_regressions"`
	Improvements        []Finding `json:"improvements"`
	Recommendations     []string  `json:"recommendations"`
	Threshold           float64   `json:"threshold"`
	MeanChange          float64   `json:"mean_change,omitempty"`
	MedianChange        float64   `json:"median_change,omitempty"`
	MaxChange           float64   `json:"max_change,omitempty"`
	Timestamp           string    `json:"timestamp"`
}

func (r *Report) HasRegressions() bool {
	return len(r.Regressions) > 0
}

func (r *Report) HasCritical() bool {
	return len(r.CriticalRegressions) > 0
}

// Dataset is one side of the comparison, baseline or current.
type Dataset struct {
	Lighthouse []LighthouseSummary       `json:"lighthouse"`
	LoadTests  []LoadTestSummary         `json:"loadTests"`
	Benchmarks map[string]BenchmarkSuite `json:"benchmarks"`
	Bundle     BundleSummary             `json:"bundle"`
}

type LighthouseSummary struct {
	Device        string  `json:"device"`
	Page          string  `json:"page"`
	Performance   float64 `json:"performance"`
	Accessibility float64 `json:"accessibility"`
	BestPractices float64 `json:"bestPractices"`
	SEO           float64 `json:"seo"`
}

type LoadTestSummary struct {
	Scenario string          `json:"scenario"`
	Metrics  LoadTestMetrics `json:"metrics"`
}

type LoadTestMetrics struct {
	Duration MetricStat `json:"http_req_duration"`
	Failed   MetricRate `json:"http_req_failed"`
}

type MetricStat struct {
	Avg float64 `json:"avg"`
}

type MetricRate struct {
	Rate float64 `json:"rate"`
}

type BenchmarkSuite struct {
	TestResults []BenchmarkResult `json:"testResults"`
}

type BenchmarkResult struct {
	Title    string  `json:"title"`
	Duration float64 `json:"duration"`
}

type BundleSummary struct {
	TotalSize float64 `json:"totalSize"`
}

type Logger interface {
	Debugf(template string, args ...interface{})
	Infof(template string, args ...interface{})
}

// Analyzer compares a baseline dataset against current results and
// classifies every crossing of the threshold as a regression or an
// improvement.
type Analyzer struct {
	threshold float64
	log       Logger
}

func New(threshold float64, log Logger) *Analyzer {
	if threshold <= 0 {
		threshold = 0.10
	}
	return &Analyzer{threshold: threshold, log: log}
}

func (a *Analyzer) LoadBaseline(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load baseline: %w", err)
	}
	var ds Dataset
	if err := json.Unmarshal(data, &ds); err != nil {
		return nil, fmt.Errorf("failed to parse baseline %s: %w", path, err)
	}
	return &ds, nil
}

// LoadCurrent walks dir collecting every summary document the test
// pipelines drop: lighthouse-summary-*.json and load-test-summary-*.json
// accumulate, benchmark-summary.json and bundle-analysis-summary.json
// take the first hit.
func (a *Analyzer) LoadCurrent(dir string) (*Dataset, error) {
	ds := &Dataset{}
	haveBenchmarks, haveBundle := false, false

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		switch {
		case strings.HasPrefix(name, "lighthouse-summary-") && strings.HasSuffix(name, ".json"):
			var item LighthouseSummary
			if err := readJSON(path, &item); err != nil {
				return err
			}
			ds.Lighthouse = append(ds.Lighthouse, item)

		case strings.HasPrefix(name, "load-test-summary-") && strings.HasSuffix(name, ".json"):
			var item LoadTestSummary
			if err := readJSON(path, &item); err != nil {
				return err
			}
			ds.LoadTests = append(ds.LoadTests, item)

		case name == "benchmark-summary.json" && !haveBenchmarks:
			if err := readJSON(path, &ds.Benchmarks); err != nil {
				return err
			}
			haveBenchmarks = true

		case name == "bundle-analysis-summary.json" && !haveBundle:
			if err := readJSON(path, &ds.Bundle); err != nil {
				return err
			}
			haveBundle = true
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load current data from %s: %w", dir, err)
	}

	a.log.Debugf("loaded %d lighthouse, %d load test summaries from %s",
		len(ds.Lighthouse), len(ds.LoadTests), dir)
	return ds, nil
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// Compare runs every analysis and assembles the report.
func (a *Analyzer) Compare(baseline, current *Dataset) *Report {
	r := &Report{Threshold: a.threshold, Timestamp: time.Now().Format(time.RFC3339)}

	a.compareLighthouse(r, baseline.Lighthouse, current.Lighthouse)
	a.compareLoadTests(r, baseline.LoadTests, current.LoadTests)
	a.compareBenchmarks(r, baseline.Benchmarks, current.Benchmarks)
	a.compareBundle(r, baseline.Bundle, current.Bundle)

	for _, f := range r.Regressions {
		if f.Severity == SeverityCritical {
			r.CriticalRegressions = append(r.CriticalRegressions, f)
		} else {
			r.ModerateRegressions = append(r.ModerateRegressions, f)
		}
	}

	r.Summary = fmt.Sprintf("Found %d performance regressions", len(r.Regressions))
	if len(r.CriticalRegressions) > 0 {
		r.Summary += fmt.Sprintf(" (%d critical)", len(r.CriticalRegressions))
	}

	if len(r.Regressions) > 0 {
		changes := make([]float64, 0, len(r.Regressions))
		for _, f := range r.Regressions {
			changes = append(changes, f.Change)
		}
		r.MeanChange, _ = stats.Mean(changes)
		r.MedianChange, _ = stats.Median(changes)
		r.MaxChange, _ = stats.Max(changes)
	}

	r.Recommendations = recommendations(r)
	return r
}

// lighthouseKey groups summaries the way the dashboards do.
func lighthouseKey(s LighthouseSummary) string {
	device, page := s.Device, s.Page
	if device == "" {
		device = "unknown"
	}
	if page == "" {
		page = "unknown"
	}
	return device + "-" + page
}

// groupLighthouse averages repeated samples of the same device-page
// pair before comparison.
func groupLighthouse(items []LighthouseSummary) map[string]LighthouseSummary {
	buckets := map[string][]LighthouseSummary{}
	for _, item := range items {
		key := lighthouseKey(item)
		buckets[key] = append(buckets[key], item)
	}

	grouped := make(map[string]LighthouseSummary, len(buckets))
	for key, samples := range buckets {
		if len(samples) == 1 {
			grouped[key] = samples[0]
			continue
		}
		var perf, access, best, seo []float64
		for _, s := range samples {
			perf = append(perf, s.Performance)
			access = append(access, s.Accessibility)
			best = append(best, s.BestPractices)
			seo = append(seo, s.SEO)
		}
		avg := samples[0]
		avg.Performance, _ = stats.Mean(perf)
		avg.Accessibility, _ = stats.Mean(access)
		avg.BestPractices, _ = stats.Mean(best)
		avg.SEO, _ = stats.Mean(seo)
		grouped[key] = avg
	}
	return grouped
}

// Lighthouse scores are higher-is-better: change is the relative drop.
func (a *Analyzer) compareLighthouse(r *Report, baseline, current []LighthouseSummary) {
	baseGrouped := groupLighthouse(baseline)
	curGrouped := groupLighthouse(current)

	keys := make([]string, 0, len(baseGrouped))
	for key := range baseGrouped {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	metrics := []struct {
		name string
		get  func(LighthouseSummary) float64
	}{
		{"performance", func(s LighthouseSummary) float64 { return s.Performance }},
		{"accessibility", func(s LighthouseSummary) float64 { return s.Accessibility }},
		{"bestPractices", func(s LighthouseSummary) float64 { return s.BestPractices }},
		{"seo", func(s LighthouseSummary) float64 { return s.SEO }},
	}

	for _, key := range keys {
		cur, ok := curGrouped[key]
		if !ok {
			continue
		}
		base := baseGrouped[key]

		for _, m := range metrics {
			baseVal, curVal := m.get(base), m.get(cur)
			if baseVal <= 0 {
				continue
			}
			change := (baseVal - curVal) / baseVal

			switch {
			case change > a.threshold:
				severity := SeverityModerate
				if change > 0.2 {
					severity = SeverityCritical
				}
				r.Regressions = append(r.Regressions, Finding{
					Type:        "lighthouse",
					Metric:      key + "-" + m.name,
					Baseline:    baseVal,
					Current:     curVal,
					Change:      change,
					Severity:    severity,
					Description: fmt.Sprintf("Lighthouse %s degraded by %.1f%% for %s", m.name, change*100, key),
				})
			case change < -a.threshold:
				r.Improvements = append(r.Improvements, Finding{
					Type:        "lighthouse",
					Metric:      key + "-" + m.name,
					Baseline:    baseVal,
					Current:     curVal,
					Change:      change,
					Description: fmt.Sprintf("Lighthouse %s improved by %.1f%% for %s", m.name, -change*100, key),
				})
			}
		}
	}
}

// Response times are lower-is-better; error rates compare absolutely
// with a fixed 1 point tolerance.
func (a *Analyzer) compareLoadTests(r *Report, baseline, current []LoadTestSummary) {
	curByScenario := map[string]LoadTestSummary{}
	for _, item := range current {
		curByScenario[scenarioOf(item)] = item
	}

	sorted := append([]LoadTestSummary(nil), baseline...)
	sort.Slice(sorted, func(i, j int) bool { return scenarioOf(sorted[i]) < scenarioOf(sorted[j]) })

	for _, base := range sorted {
		scenario := scenarioOf(base)
		cur, ok := curByScenario[scenario]
		if !ok {
			continue
		}

		baseRT, curRT := base.Metrics.Duration.Avg, cur.Metrics.Duration.Avg
		if baseRT > 0 {
			change := (curRT - baseRT) / baseRT
			switch {
			case change > a.threshold:
				severity := SeverityModerate
				if change > 0.5 {
					severity = SeverityCritical
				}
				r.Regressions = append(r.Regressions, Finding{
					Type:        "load_test",
					Metric:      scenario + "-response_time",
					Baseline:    baseRT,
					Current:     curRT,
					Change:      change,
					Severity:    severity,
					Description: fmt.Sprintf("Response time increased by %.1f%% for %s scenario", change*100, scenario),
				})
			case change < -a.threshold:
				r.Improvements = append(r.Improvements, Finding{
					Type:        "load_test",
					Metric:      scenario + "-response_time",
					Baseline:    baseRT,
					Current:     curRT,
					Change:      change,
					Description: fmt.Sprintf("Response time decreased by %.1f%% for %s scenario", -change*100, scenario),
				})
			}
		}

		errChange := cur.Metrics.Failed.Rate - base.Metrics.Failed.Rate
		if errChange > 0.01 {
			r.Regressions = append(r.Regressions, Finding{
				Type:        "load_test",
				Metric:      scenario + "-error_rate",
				Baseline:    base.Metrics.Failed.Rate,
				Current:     cur.Metrics.Failed.Rate,
				Change:      errChange,
				Severity:    SeverityCritical,
				Description: fmt.Sprintf("Error rate increased by %.1f%% for %s scenario", errChange*100, scenario),
			})
		}
	}
}

func scenarioOf(s LoadTestSummary) string {
	if s.Scenario == "" {
		return "unknown"
	}
	return s.Scenario
}

// Benchmark results pair up by position within a suite, matching how
// the runners emit them.
func (a *Analyzer) compareBenchmarks(r *Report, baseline, current map[string]BenchmarkSuite) {
	suites := make([]string, 0, len(baseline))
	for name := range baseline {
		suites = append(suites, name)
	}
	sort.Strings(suites)

	for _, suite := range suites {
		baseSuite := baseline[suite]
		curSuite, ok := current[suite]
		if !ok {
			continue
		}

		for i, baseResult := range baseSuite.TestResults {
			if i >= len(curSuite.TestResults) {
				continue
			}
			curResult := curSuite.TestResults[i]
			if baseResult.Duration <= 0 {
				continue
			}

			change := (curResult.Duration - baseResult.Duration) / baseResult.Duration
			name := baseResult.Title
			if name == "" {
				name = fmt.Sprintf("%s-test-%d", suite, i)
			}

			switch {
			case change > a.threshold:
				r.Regressions = append(r.Regressions, Finding{
					Type:        "benchmark",
					Metric:      suite + "-" + name,
					Baseline:    baseResult.Duration,
					Current:     curResult.Duration,
					Change:      change,
					Severity:    SeverityModerate,
					Description: fmt.Sprintf("Benchmark %s execution time increased by %.1f%%", name, change*100),
				})
			case change < -a.threshold:
				r.Improvements = append(r.Improvements, Finding{
					Type:        "benchmark",
					Metric:      suite + "-" + name,
					Baseline:    baseResult.Duration,
					Current:     curResult.Duration,
					Change:      change,
					Description: fmt.Sprintf("Benchmark %s execution time decreased by %.1f%%", name, -change*100),
				})
			}
		}
	}
}

func (a *Analyzer) compareBundle(r *Report, baseline, current BundleSummary) {
	if baseline.TotalSize <= 0 || current.TotalSize <= 0 {
		return
	}

	change := (current.TotalSize - baseline.TotalSize) / baseline.TotalSize
	switch {
	case change > a.threshold:
		r.Regressions = append(r.Regressions, Finding{
			Type:        "bundle",
			Metric:      "total_size",
			Baseline:    baseline.TotalSize,
			Current:     current.TotalSize,
			Change:      change,
			Severity:    SeverityModerate,
			Description: fmt.Sprintf("Bundle size increased by %.1f%% (%.0f bytes)", change*100, current.TotalSize-baseline.TotalSize),
		})
	case change < -a.threshold:
		r.Improvements = append(r.Improvements, Finding{
			Type:        "bundle",
			Metric:      "total_size",
			Baseline:    baseline.TotalSize,
			Current:     current.TotalSize,
			Change:      change,
			Description: fmt.Sprintf("Bundle size decreased by %.1f%%", -change*100),
		})
	}
}

func recommendations(r *Report) []string {
	byType := map[string]bool{}
	for _, f := range r.Regressions {
		byType[f.Type] = true
	}

	var recs []string
	if byType["bundle"] {
		recs = append(recs, "Bundle size increased, review recently added dependencies")
	}
	if byType["lighthouse"] {
		recs = append(recs, "Lighthouse scores degraded, review core web vitals and asset sizes")
	}
	if byType["load_test"] {
		recs = append(recs, "Load test performance degraded, check database queries and server resources")
	}
	if byType["benchmark"] {
		recs = append(recs, "Benchmark durations increased, review recent algorithm changes")
	}
	if r.HasCritical() {
		recs = append(recs, "Critical regressions detected, consider blocking deployment until resolved")
	}
	if len(recs) == 0 {
		recs = append(recs, "No significant performance regressions detected")
	}
	return recs
}
