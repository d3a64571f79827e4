// Package usage aggregates relay outcomes per caller for the /stats endpoint.
package usage

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/FeelPulse/chatrelay/pkg/types"
)

// Record is one finished relay
type Record struct {
	Key     string // identity key, e.g. "user:42" or "guest:203.0.113.7"
	Model   string
	Status  string // completed, aborted, errored
	Usage   types.Usage
	Charged bool
}

// Stats holds relay statistics for one caller or for everyone
type Stats struct {
	RequestCount int            `json:"requests"`
	Outcomes     map[string]int `json:"outcomes"`
	Chunks       int            `json:"chunks"`
	Chars        int            `json:"chars"`
	Charged      int            `json:"charged"`
	ModelsUsed   map[string]int `json:"models"`
	FirstRequest time.Time      `json:"firstRequest,omitempty"`
	LastRequest  time.Time      `json:"lastRequest,omitempty"`
}

func newStats() *Stats {
	return &Stats{
		Outcomes:   make(map[string]int),
		ModelsUsed: make(map[string]int),
	}
}

// String returns a human-readable summary of usage
func (s *Stats) String() string {
	if s.RequestCount == 0 {
		return "📊 No usage recorded yet."
	}

	var sb strings.Builder
	sb.WriteString("📊 Relay Statistics\n\n")
	sb.WriteString(fmt.Sprintf("💬 Requests: %d (charged %d)\n", s.RequestCount, s.Charged))
	for _, outcome := range sortedKeys(s.Outcomes) {
		sb.WriteString(fmt.Sprintf("   ↳ %s: %d\n", outcome, s.Outcomes[outcome]))
	}
	sb.WriteString(fmt.Sprintf("🔢 Output: %d chunks, %d chars\n", s.Chunks, s.Chars))

	if len(s.ModelsUsed) > 0 {
		sb.WriteString("\n🤖 Models Used:\n")
		for _, model := range sortedKeys(s.ModelsUsed) {
			sb.WriteString(fmt.Sprintf("   • %s: %d requests\n", model, s.ModelsUsed[model]))
		}
	}

	if !s.FirstRequest.IsZero() {
		sb.WriteString(fmt.Sprintf("\n⏱️ Window: %s\n", formatDuration(s.LastRequest.Sub(s.FirstRequest))))
	}

	return sb.String()
}

func (s *Stats) add(o *Stats) {
	s.RequestCount += o.RequestCount
	s.Chunks += o.Chunks
	s.Chars += o.Chars
	s.Charged += o.Charged
	for k, v := range o.Outcomes {
		s.Outcomes[k] += v
	}
	for k, v := range o.ModelsUsed {
		s.ModelsUsed[k] += v
	}
	if s.FirstRequest.IsZero() || (!o.FirstRequest.IsZero() && o.FirstRequest.Before(s.FirstRequest)) {
		s.FirstRequest = o.FirstRequest
	}
	if o.LastRequest.After(s.LastRequest) {
		s.LastRequest = o.LastRequest
	}
}

// Tracker manages relay statistics per caller
type Tracker struct {
	stats map[string]*Stats
	now   func() time.Time
	mu    sync.RWMutex
}

// NewTracker creates a new usage tracker
func NewTracker() *Tracker {
	return &Tracker{
		stats: make(map[string]*Stats),
		now:   time.Now,
	}
}

// Record adds one finished relay
func (t *Tracker) Record(r Record) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	stats, exists := t.stats[r.Key]
	if !exists {
		stats = newStats()
		stats.FirstRequest = now
		t.stats[r.Key] = stats
	}

	stats.RequestCount++
	stats.Outcomes[r.Status]++
	stats.Chunks += r.Usage.Chunks
	stats.Chars += r.Usage.Chars
	if r.Charged {
		stats.Charged++
	}
	stats.LastRequest = now

	if r.Model != "" {
		stats.ModelsUsed[r.Model]++
	}
}

// Get retrieves a copy of the stats for key
func (t *Tracker) Get(key string) *Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := newStats()
	if stats, exists := t.stats[key]; exists {
		out.add(stats)
	}
	return out
}

// Reset clears the stats for key
func (t *Tracker) Reset(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.stats, key)
}

// Callers returns how many distinct callers have been seen
func (t *Tracker) Callers() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.stats)
}

// GetGlobal returns aggregated stats across all callers
func (t *Tracker) GetGlobal() *Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	global := newStats()
	for _, stats := range t.stats {
		global.add(stats)
	}
	return global
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// formatDuration formats a duration in human-readable form
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	hours := int(d.Hours())
	mins := int(d.Minutes()) % 60
	if mins > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dh", hours)
}
