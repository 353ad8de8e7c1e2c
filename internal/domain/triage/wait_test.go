package triage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateWait(t *testing.T) {
	tests := []struct {
		name    string
		urgency Urgency
		ahead   int
		avg     int
		want    int
	}{
		{"green empty queue floors to 15", UrgencyGreen, 0, 20, 15},
		{"yellow empty queue floors to 5", UrgencyYellow, 0, 20, 5},
		{"red empty queue is immediate", UrgencyRed, 0, 20, 0},
		{"linear in queue depth", UrgencyGreen, 3, 20, 60},
		{"green capped at 240", UrgencyGreen, 50, 20, 240},
		{"yellow capped at 120", UrgencyYellow, 50, 20, 120},
		{"red capped at 30", UrgencyRed, 4, 20, 30},
		{"missing average falls back", UrgencyGreen, 2, 0, 30},
		{"negative depth treated as empty", UrgencyYellow, -3, 10, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EstimateWait(tt.urgency, tt.ahead, tt.avg))
		})
	}
}

func TestEstimateWait_NonDecreasingInDepth(t *testing.T) {
	for _, u := range []Urgency{UrgencyRed, UrgencyYellow, UrgencyGreen} {
		prev := -1
		for n := 0; n < 30; n++ {
			got := EstimateWait(u, n, 12)
			assert.GreaterOrEqual(t, got, prev)
			prev = got
		}
	}
}
