// Package analytics summarizes access logs written by the proxy.
//
// Analysis is a pure function of the log contents: lines that do not decode
// into an access record, including a partially written trailing line, are
// counted as skipped and otherwise ignored.
package analytics

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/JakeFAU/fetchproxy/internal/fetchproxy"
)

const (
	maxLineBytes = 4 << 20
	hourLayout   = "2006-01-02T15"
)

// Count is one key of a distribution with its tally.
type Count struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// Report aggregates a log. Failed requests count toward Errors instead of
// CacheOutcome, since a failure was neither served from cache nor fetched.
type Report struct {
	Lines        int            `json:"lines"`
	Records      int            `json:"records"`
	Skipped      int            `json:"skipped"`
	Errors       int            `json:"errors"`
	Domains      map[string]int `json:"domains"`
	CacheOutcome map[string]int `json:"cache_outcome"`
	Workers      map[string]int `json:"workers"`
	StatusCodes  map[int]int    `json:"status_codes"`
	Hourly       map[string]int `json:"hourly"`
	LatencyTotal float64        `json:"latency_total_ms"`
}

func newReport() *Report {
	return &Report{
		Domains:      map[string]int{},
		CacheOutcome: map[string]int{},
		Workers:      map[string]int{},
		StatusCodes:  map[int]int{},
		Hourly:       map[string]int{},
	}
}

// AnalyzeFile opens path and analyzes it.
func AnalyzeFile(path string) (*Report, error) {
	f, err := os.Open(path) //nolint:gosec // path is an operator-supplied log location
	if err != nil {
		return nil, fmt.Errorf("open access log: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Analyze(f)
}

// Analyze reads JSON lines from r and returns the aggregate report.
func Analyze(r io.Reader) (*Report, error) {
	report := newReport()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		report.Lines++
		rec, ok := parseLine(line)
		if !ok {
			report.Skipped++
			continue
		}
		report.add(rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read access log: %w", err)
	}
	return report, nil
}

func parseLine(line []byte) (fetchproxy.AccessRecord, bool) {
	var rec fetchproxy.AccessRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return fetchproxy.AccessRecord{}, false
	}
	if rec.URL == "" || rec.Timestamp.IsZero() {
		return fetchproxy.AccessRecord{}, false
	}
	return rec, true
}

func (r *Report) add(rec fetchproxy.AccessRecord) {
	r.Records++
	domain := rec.Domain
	if domain == "" {
		domain = fetchproxy.Domain(rec.URL)
	}
	r.Domains[domain]++
	if rec.Error != "" {
		r.Errors++
	} else {
		r.CacheOutcome[rec.CacheOutcome.String()]++
	}
	r.Workers[rec.WorkerID]++
	r.StatusCodes[rec.StatusCode]++
	r.Hourly[rec.Timestamp.UTC().Format(hourLayout)]++
	r.LatencyTotal += rec.LatencyMillis
}

// AverageLatency returns the mean latency in milliseconds, or 0 for an empty log.
func (r *Report) AverageLatency() float64 {
	if r.Records == 0 {
		return 0
	}
	return r.LatencyTotal / float64(r.Records)
}

// Served returns the number of records that completed without error.
func (r *Report) Served() int {
	return r.Records - r.Errors
}

// HitRate returns the share of served records answered from cache, in [0, 1].
func (r *Report) HitRate() float64 {
	if r.Served() == 0 {
		return 0
	}
	return float64(r.CacheOutcome[fetchproxy.OutcomeCached.String()]) / float64(r.Served())
}

// TopDomains returns up to n domains ordered by count, ties broken by name.
// A non-positive n returns all of them.
func (r *Report) TopDomains(n int) []Count {
	return ranked(r.Domains, n)
}

// WorkerDistribution returns workers ordered by count.
func (r *Report) WorkerDistribution() []Count {
	return ranked(r.Workers, 0)
}

// StatusDistribution returns status codes in ascending order.
func (r *Report) StatusDistribution() []Count {
	codes := make([]int, 0, len(r.StatusCodes))
	for code := range r.StatusCodes {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	out := make([]Count, 0, len(codes))
	for _, code := range codes {
		out = append(out, Count{Key: strconv.Itoa(code), Count: r.StatusCodes[code]})
	}
	return out
}

// HourlyDistribution returns hour buckets in chronological order.
func (r *Report) HourlyDistribution() []Count {
	hours := make([]string, 0, len(r.Hourly))
	for h := range r.Hourly {
		hours = append(hours, h)
	}
	sort.Strings(hours)
	out := make([]Count, 0, len(hours))
	for _, h := range hours {
		out = append(out, Count{Key: h, Count: r.Hourly[h]})
	}
	return out
}

func ranked(m map[string]int, n int) []Count {
	out := make([]Count, 0, len(m))
	for k, v := range m {
		out = append(out, Count{Key: k, Count: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}
