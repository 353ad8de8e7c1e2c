package triage

// DefaultAvgTreatmentMinutes is used when a department has no recorded average.
const DefaultAvgTreatmentMinutes = 15

type waitClamp struct{ min, max int }

var waitClamps = map[Urgency]waitClamp{
	UrgencyRed:    {0, 30},
	UrgencyYellow: {5, 120},
	UrgencyGreen:  {15, 240},
}

// EstimateWait predicts minutes until a new entry is called. aheadOrEqual is the
// number of WAITING entries in the department at least as urgent as the new one;
// equal urgency counts as ahead (FIFO within a band).
func EstimateWait(u Urgency, aheadOrEqual, avgTreatmentMinutes int) int {
	if avgTreatmentMinutes <= 0 {
		avgTreatmentMinutes = DefaultAvgTreatmentMinutes
	}
	if aheadOrEqual < 0 {
		aheadOrEqual = 0
	}
	minutes := aheadOrEqual * avgTreatmentMinutes

	c, ok := waitClamps[u]
	if !ok {
		c = waitClamps[UrgencyGreen]
	}
	if minutes < c.min {
		return c.min
	}
	if minutes > c.max {
		return c.max
	}
	return minutes
}
