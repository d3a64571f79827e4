package payload

import "github.com/FeelPulse/chatrelay/pkg/types"

// Truncate keeps the most recent limit turns in their original order.
// limit <= 0 drops the whole history. The result never aliases history.
func Truncate(history []types.Turn, limit int) []types.Turn {
	if limit <= 0 || len(history) == 0 {
		return []types.Turn{}
	}
	start := 0
	if len(history) > limit {
		start = len(history) - limit
	}
	out := make([]types.Turn, len(history)-start)
	copy(out, history[start:])
	return out
}
