package model

// Plan names known to the default deployment. Deployments may configure
// additional plans; the engine only reads limits, never plan semantics.
const (
	PlanFree  = "free"
	PlanPro   = "pro"
	PlanUltra = "ultra"
)

// PlanLimits seeds a workload's ledger at admission and caps how many
// workloads one owner may keep.
type PlanLimits struct {
	TimeSeconds  int64   `yaml:"timeSeconds" json:"time_seconds"`
	Power        float64 `yaml:"power" json:"power"`
	MaxWorkloads int     `yaml:"maxWorkloads" json:"max_workloads"`
}

// DefaultPlanLimits returns the built-in plan table.
func DefaultPlanLimits() map[string]PlanLimits {
	return map[string]PlanLimits{
		PlanFree:  {TimeSeconds: 86400, Power: 30.0, MaxWorkloads: 3},
		PlanPro:   {TimeSeconds: 604800, Power: 60.0, MaxWorkloads: 10},
		PlanUltra: {TimeSeconds: 31536000, Power: 100.0, MaxWorkloads: 100},
	}
}
