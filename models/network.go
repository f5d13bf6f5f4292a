package models

// Phase is the coarse tag on the current load situation used by the
// PolicyEngine to pick which rules are relevant.
type Phase string

const (
	PhaseInitial      Phase = "initial"
	PhaseCritical     Phase = "critical"
	PhaseDeferred     Phase = "deferred"
	PhaseIdle         Phase = "idle"
	PhasePreNavigation Phase = "pre_navigation"
)

// NetworkContext carries the ambient observed signals the scheduler reacts
// to: bandwidth/latency estimates, device state, and viewport geometry.
type NetworkContext struct {
	DownlinkMbps    float64
	RTTMs           float64
	JitterMs        float64
	Loss            float64
	SaveData        bool
	BatteryLevel    float64
	Charging        bool
	DevicePixelRatio float64
	ViewportW       int
	ViewportH       int
	Phase           Phase
}

// NetworkClass is the classification NetworkProfile assigns to the current
// NetworkContext.
type NetworkClass string

const (
	ClassExcellent NetworkClass = "excellent"
	ClassGood      NetworkClass = "good"
	ClassModerate  NetworkClass = "moderate"
	ClassPoor      NetworkClass = "poor"
	ClassOffline   NetworkClass = "offline"
)
