package payload

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		name  string
		n     int
		limit int
		want  int
	}{
		{"shorter than limit", 5, 10, 5},
		{"equal to limit", 10, 10, 10},
		{"longer than limit", 25, 20, 20},
		{"zero limit", 5, 0, 0},
		{"negative limit", 5, -1, 0},
		{"empty history", 0, 10, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := history(tt.n)
			got := Truncate(in, tt.limit)
			assert.Len(t, got, tt.want)
			if tt.want > 0 {
				assert.Equal(t, in[len(in)-tt.want:], got)
			}
		})
	}
}

func TestTruncateDoesNotAlias(t *testing.T) {
	in := history(3)
	got := Truncate(in, 2)
	got[0].Content = "changed"
	assert.Equal(t, "turn 2", in[1].Content)
}

func TestGuestContextTurns(t *testing.T) {
	assert.Len(t, Truncate(history(30), GuestContextTurns), 10)
}
