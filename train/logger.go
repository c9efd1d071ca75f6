package train

import (
	"fmt"
	"log"
	"sort"
	"strings"
)

// StatsLogger renders nested stage to metric records through a standard
// logger, with optional step-name prefixing of metric keys.
type StatsLogger struct {
	log    *log.Logger
	prefix string
}

func NewStatsLogger(l *log.Logger) *StatsLogger {
	if l == nil {
		l = log.Default()
	}
	return &StatsLogger{log: l}
}

// WithPrefix returns a logger that prefixes every metric key, typically
// with the training step name.
func (s *StatsLogger) WithPrefix(prefix string) *StatsLogger {
	return &StatsLogger{log: s.log, prefix: prefix}
}

// Log writes one stage record. meta holds identifying fields (epoch, lr),
// stats the metric values.
func (s *StatsLogger) Log(stage string, meta map[string]string, stats map[string]float64) {
	var b strings.Builder
	b.WriteString(stage)
	for _, key := range sortedKeys(meta) {
		fmt.Fprintf(&b, " %s=%s", key, meta[key])
	}
	b.WriteString(" |")
	keys := make([]string, 0, len(stats))
	for key := range stats {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		name := key
		if s.prefix != "" {
			name = s.prefix + "_" + key
		}
		fmt.Fprintf(&b, " %s=%.4f", name, stats[key])
	}
	s.log.Print(b.String())
}

// Printf passes plain progress messages through to the underlying logger.
func (s *StatsLogger) Printf(format string, args ...any) {
	s.log.Printf(format, args...)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
