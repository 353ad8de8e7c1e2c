package triage

// Department codes produced by the router. They must exist in the department table.
const (
	DeptEmergency        = "emergency"
	DeptCardiology       = "cardiology"
	DeptPulmonology      = "pulmonology"
	DeptNeurology        = "neurology"
	DeptOrthopedics      = "orthopedics"
	DeptGastroenterology = "gastroenterology"
	DeptGeneral          = "general"
)

type routeRule struct {
	dept  string
	match func(Result, Vitals, SymptomFlags) bool
}

// First matching rule wins.
var routeTable = []routeRule{
	{DeptEmergency, func(r Result, v Vitals, s SymptomFlags) bool {
		hypoxic := v.OxygenSaturation != nil && *v.OxygenSaturation < CriticalOxygenSaturation
		return r.Urgency == UrgencyRed || hypoxic || s.Unconscious || s.SevereBleeding
	}},
	{DeptCardiology, func(_ Result, _ Vitals, s SymptomFlags) bool { return s.ChestPain }},
	{DeptPulmonology, func(_ Result, _ Vitals, s SymptomFlags) bool { return s.ShortnessOfBreath }},
	{DeptNeurology, func(_ Result, _ Vitals, s SymptomFlags) bool {
		return s.Seizure || s.Confusion || s.SevereHeadache
	}},
	{DeptOrthopedics, func(_ Result, _ Vitals, s SymptomFlags) bool { return s.Fracture }},
	{DeptGastroenterology, func(_ Result, _ Vitals, s SymptomFlags) bool { return s.AbdominalPain || s.Vomiting }},
}

// RouteDepartment returns the department code a scored patient should queue in.
func RouteDepartment(r Result, v Vitals, s SymptomFlags) string {
	for _, rule := range routeTable {
		if rule.match(r, v, s) {
			return rule.dept
		}
	}
	return DeptGeneral
}
