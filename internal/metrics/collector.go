package metrics

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"
	"time"
)

const classTimeout = "Timeout (Slow)"

// Collector aggregates probe outcomes for the latency report. Safe for
// concurrent use.
type Collector struct {
	mu sync.Mutex

	// successes only
	latencies []time.Duration

	errorCounts map[string]int
	totalErrors int

	// saturation heuristic
	timeoutErrors int
}

func New() *Collector {
	return &Collector{errorCounts: make(map[string]int)}
}

func (c *Collector) RecordSuccess(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latencies = append(c.latencies, d)
}

func (c *Collector) RecordFailure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalErrors++
	class := Classify(err)
	if class == classTimeout {
		c.timeoutErrors++
	}
	c.errorCounts[class]++
}

// Classify buckets a dial or request error for the report.
func Classify(err error) string {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return classTimeout
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "deadline exceeded") || strings.Contains(msg, "timeout"):
		return classTimeout
	case strings.Contains(msg, "refused"):
		return "Conn Refused (Fast)"
	case strings.Contains(msg, "reset"):
		return "Conn Reset (Fast)"
	case strings.Contains(msg, "EOF"):
		return "EOF / Empty"
	case strings.Contains(msg, "no such host"):
		return "DNS Error"
	case strings.Contains(msg, "unreachable"):
		return "Unreachable"
	}
	return "Unknown"
}

// Summary is a snapshot of the collected numbers.
type Summary struct {
	Successes int
	Failures  int
	Timeouts  int
	Average   time.Duration
	P50       time.Duration
	P90       time.Duration
	Errors    map[string]int
}

func (c *Collector) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Summary{
		Successes: len(c.latencies),
		Failures:  c.totalErrors,
		Timeouts:  c.timeoutErrors,
		Errors:    make(map[string]int, len(c.errorCounts)),
	}
	for k, v := range c.errorCounts {
		s.Errors[k] = v
	}

	if len(c.latencies) > 0 {
		sorted := append([]time.Duration(nil), c.latencies...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		s.Average = average(sorted)
		s.P50 = sorted[len(sorted)/2]
		s.P90 = sorted[int(float64(len(sorted))*0.9)]
	}
	return s
}

// PrintReport writes the latency report. currentTimeout is the probe timeout
// in effect, used for the tuning hint.
func (c *Collector) PrintReport(out io.Writer, currentTimeout time.Duration) {
	s := c.Summary()

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(out, "\n📊 \033[1mLATENCY REPORT\033[0m")
	fmt.Fprintln(out, "────────────────────────────────────────")

	fmt.Fprintln(w, "\033[1;36m[ LATENCY (Reachable Servers) ]\033[0m")
	if s.Successes > 0 {
		fmt.Fprintf(w, "  Reachable:\t%d\n", s.Successes)
		fmt.Fprintf(w, "  Avg Duration:\t%v\n", s.Average.Round(time.Millisecond))
		fmt.Fprintf(w, "  p50 (Median):\t%v\n", s.P50.Round(time.Millisecond))
		fmt.Fprintf(w, "  p90 (Slowest 10%%):\t%v\n", s.P90.Round(time.Millisecond))

		rec := s.P90 + 500*time.Millisecond
		if rec < currentTimeout {
			fmt.Fprintf(w, "  💡 Recommendation:\tA timeout of ~%s would do (Current: %s)\n", rec.Round(100*time.Millisecond), currentTimeout)
		}
	} else {
		fmt.Fprintln(w, "  No reachable servers.")
	}
	fmt.Fprintln(w, "")

	fmt.Fprintln(w, "\033[1;36m[ NETWORK HEALTH / ERRORS ]\033[0m")
	fmt.Fprintf(w, "  Total Failures:\t%d\n", s.Failures)
	if s.Failures > 0 {
		timeoutPct := float64(s.Timeouts) / float64(s.Failures) * 100
		fmt.Fprintf(w, "  Timeouts:\t%d (%.1f%%)\n", s.Timeouts, timeoutPct)

		classes := make([]string, 0, len(s.Errors))
		for k := range s.Errors {
			if k != classTimeout {
				classes = append(classes, k)
			}
		}
		sort.Strings(classes)
		for _, k := range classes {
			fmt.Fprintf(w, "  %s:\t%d\n", k, s.Errors[k])
		}

		fmt.Fprintln(w, "  --------------------------------")
		if timeoutPct > 70 {
			fmt.Fprintln(w, "  ⚠️  \033[1;31mHIGH SATURATION DETECTED\033[0m")
			fmt.Fprintln(w, "  >70% of failures are timeouts. Probes may be choking the local network.")
			fmt.Fprintln(w, "  💡 Recommendation: \033[1mDECREASE tester.worker_count\033[0m")
		} else {
			fmt.Fprintln(w, "  ✅ Network seems stable (failures are mostly active rejections).")
		}
	}

	w.Flush()
	fmt.Fprintln(out, "")
}

func average(d []time.Duration) time.Duration {
	if len(d) == 0 {
		return 0
	}
	var sum time.Duration
	for _, v := range d {
		sum += v
	}
	return time.Duration(int64(sum) / int64(len(d)))
}
