package triage

import "math"

// Urgency cut-offs on the summed early-warning score.
const (
	RedThreshold    = 7
	YellowThreshold = 4

	// CriticalOxygenSaturation forces RED regardless of the summed score.
	CriticalOxygenSaturation = 90
)

// Field names used in contributions and validation errors.
const (
	FieldTemperature      = "temperature"
	FieldSystolicBP       = "systolic_bp"
	FieldDiastolicBP      = "diastolic_bp"
	FieldHeartRate        = "heart_rate"
	FieldRespiratoryRate  = "respiratory_rate"
	FieldOxygenSaturation = "oxygen_saturation"
	FieldBloodGlucose     = "blood_glucose"
	FieldPainScale        = "pain_scale"
)

// band awards points to values strictly below `below`. Bands are checked in
// order, so each table reads as a sequence of closed-open ranges.
type band struct {
	below  float64
	points int
}

var (
	oxygenSaturationBands = []band{{92, 3}, {95, 2}, {97, 1}, {math.Inf(1), 0}}
	respiratoryRateBands  = []band{{9, 2}, {15, 0}, {21, 1}, {30, 2}, {math.Inf(1), 3}}
	heartRateBands        = []band{{41, 2}, {51, 1}, {101, 0}, {111, 1}, {130, 2}, {math.Inf(1), 3}}
	systolicBPBands       = []band{{71, 3}, {81, 2}, {101, 1}, {200, 0}, {math.Inf(1), 2}}
	temperatureBands      = []band{{35.0, 2}, {38.5, 0}, {math.Inf(1), 2}}
	painScaleBands        = []band{{7, 0}, {9, 1}, {math.Inf(1), 2}}
)

func points(bands []band, v float64) int {
	for _, b := range bands {
		if v < b.below {
			return b.points
		}
	}
	return 0
}

type bound struct{ min, max float64 }

// Plausibility bounds, inclusive. Readings outside are rejected rather than scored.
var plausible = map[string]bound{
	FieldTemperature:      {25, 45},
	FieldSystolicBP:       {50, 300},
	FieldDiastolicBP:      {20, 200},
	FieldHeartRate:        {30, 250},
	FieldRespiratoryRate:  {4, 60},
	FieldOxygenSaturation: {70, 100},
	FieldBloodGlucose:     {10, 1000},
	FieldPainScale:        {0, 10},
}

func checkBound(field string, v float64) error {
	b := plausible[field]
	if v < b.min || v > b.max || math.IsNaN(v) {
		return &InvalidVitalsError{Field: field, Value: v, Min: b.min, Max: b.max}
	}
	return nil
}

// Contribution is the points one reading added to the score.
type Contribution struct {
	Field  string  `json:"field"`
	Value  float64 `json:"value"`
	Points int     `json:"points"`
}

// Result is the outcome of scoring one set of vitals. HypoxiaOverride is set
// when oxygen saturation alone forced RED.
type Result struct {
	Score           int            `json:"score"`
	Urgency         Urgency        `json:"urgency"`
	LowConfidence   bool           `json:"low_confidence"`
	HypoxiaOverride bool           `json:"hypoxia_override,omitempty"`
	Missing         []string       `json:"missing,omitempty"`
	Contributions   []Contribution `json:"contributions"`
}

// scoredVital pairs a field with its reading (nil when not taken) and its table.
type scoredVital struct {
	field string
	value *float64
	bands []band
}

func intPtrToFloat(p *int) *float64 {
	if p == nil {
		return nil
	}
	f := float64(*p)
	return &f
}

// Score computes a modified early-warning score from the vitals and pain scale.
// It is pure: the same input always yields the same Result.
func Score(v Vitals, painScale int) (Result, error) {
	scored := []scoredVital{
		{FieldOxygenSaturation, intPtrToFloat(v.OxygenSaturation), oxygenSaturationBands},
		{FieldRespiratoryRate, intPtrToFloat(v.RespiratoryRate), respiratoryRateBands},
		{FieldHeartRate, intPtrToFloat(v.HeartRate), heartRateBands},
		{FieldSystolicBP, intPtrToFloat(v.SystolicBP), systolicBPBands},
		{FieldTemperature, v.Temperature, temperatureBands},
	}
	unscored := []struct {
		field string
		value *float64
	}{
		{FieldDiastolicBP, intPtrToFloat(v.DiastolicBP)},
		{FieldBloodGlucose, intPtrToFloat(v.BloodGlucose)},
	}

	if err := checkBound(FieldPainScale, float64(painScale)); err != nil {
		return Result{}, err
	}
	for _, s := range scored {
		if s.value == nil {
			continue
		}
		if err := checkBound(s.field, *s.value); err != nil {
			return Result{}, err
		}
	}
	for _, u := range unscored {
		if u.value == nil {
			continue
		}
		if err := checkBound(u.field, *u.value); err != nil {
			return Result{}, err
		}
	}

	res := Result{Contributions: make([]Contribution, 0, len(scored)+1)}
	for _, s := range scored {
		if s.value == nil {
			res.Missing = append(res.Missing, s.field)
			continue
		}
		p := points(s.bands, *s.value)
		res.Score += p
		res.Contributions = append(res.Contributions, Contribution{Field: s.field, Value: *s.value, Points: p})
	}
	painPoints := points(painScaleBands, float64(painScale))
	res.Score += painPoints
	res.Contributions = append(res.Contributions, Contribution{Field: FieldPainScale, Value: float64(painScale), Points: painPoints})

	res.LowConfidence = len(res.Missing)*2 > len(scored)
	res.Urgency = UrgencyForScore(res.Score)
	if v.OxygenSaturation != nil && *v.OxygenSaturation < CriticalOxygenSaturation && res.Urgency != UrgencyRed {
		res.Urgency = UrgencyRed
		res.HypoxiaOverride = true
	}
	return res, nil
}

// UrgencyForScore maps a summed score to its band.
func UrgencyForScore(score int) Urgency {
	switch {
	case score >= RedThreshold:
		return UrgencyRed
	case score >= YellowThreshold:
		return UrgencyYellow
	default:
		return UrgencyGreen
	}
}
