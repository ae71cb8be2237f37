package analytics

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const topDomainLimit = 10

// WriteText renders a human readable summary.
func WriteText(w io.Writer, r *Report) error {
	var b strings.Builder
	rule := strings.Repeat("=", 60)
	fmt.Fprintln(&b, rule)
	fmt.Fprintln(&b, "ACCESS LOG REPORT")
	fmt.Fprintln(&b, rule)
	fmt.Fprintf(&b, "records: %d  failed: %d  skipped lines: %d\n", r.Records, r.Errors, r.Skipped)

	fmt.Fprintln(&b, "\nTop domains:")
	for i, c := range r.TopDomains(topDomainLimit) {
		fmt.Fprintf(&b, "  %2d. %-30s %5d\n", i+1, c.Key, c.Count)
	}

	hits := r.CacheOutcome["CACHED"]
	misses := r.CacheOutcome["FRESH"]
	fmt.Fprintln(&b, "\nCache:")
	fmt.Fprintf(&b, "  hits:   %5d (%.1f%%)\n", hits, r.HitRate()*100)
	fmt.Fprintf(&b, "  misses: %5d\n", misses)

	fmt.Fprintln(&b, "\nWorkers:")
	for _, c := range r.WorkerDistribution() {
		fmt.Fprintf(&b, "  %-35s %5d\n", c.Key, c.Count)
	}

	fmt.Fprintln(&b, "\nLatency:")
	fmt.Fprintf(&b, "  average: %.2f ms over %d requests\n", r.AverageLatency(), r.Records)

	fmt.Fprintln(&b, "\nStatus codes:")
	for _, c := range r.StatusDistribution() {
		fmt.Fprintf(&b, "  %s: %d\n", c.Key, c.Count)
	}

	fmt.Fprintln(&b, "\nHourly:")
	for _, c := range r.HourlyDistribution() {
		fmt.Fprintf(&b, "  %s  %d\n", c.Key, c.Count)
	}
	fmt.Fprintln(&b, rule)

	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// WriteCSV exports the report as category,key,value rows in a stable order.
func WriteCSV(w io.Writer, r *Report) error {
	cw := csv.NewWriter(w)
	rows := [][]string{{"category", "key", "value"}}
	add := func(category string, counts []Count) {
		for _, c := range counts {
			rows = append(rows, []string{category, c.Key, strconv.Itoa(c.Count)})
		}
	}
	add("cache", ranked(r.CacheOutcome, 0))
	add("domain", r.TopDomains(0))
	add("hour", r.HourlyDistribution())
	add("status", r.StatusDistribution())
	add("worker", r.WorkerDistribution())
	rows = append(rows,
		[]string{"latency_ms", "average", strconv.FormatFloat(r.AverageLatency(), 'f', 2, 64)},
		[]string{"latency_ms", "count", strconv.Itoa(r.Records)},
		[]string{"requests", "failed", strconv.Itoa(r.Errors)},
		[]string{"requests", "served", strconv.Itoa(r.Served())},
	)
	if err := cw.WriteAll(rows); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	return nil
}
