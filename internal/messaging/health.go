package messaging

// HealthStatus is the event bus section of the readiness report.
type HealthStatus struct {
	Enabled   bool   `json:"enabled"`
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

// Healthy is false only when a configured bus has lost its connection.
func (s HealthStatus) Healthy() bool {
	return !s.Enabled || s.Connected
}

// CheckHealth inspects p; a nil publisher means events are not exported.
func CheckHealth(p Publisher) HealthStatus {
	switch {
	case p == nil:
		return HealthStatus{}
	case p.IsConnected():
		return HealthStatus{Enabled: true, Connected: true}
	default:
		return HealthStatus{Enabled: true, Error: "event bus unreachable; alerts are not being exported"}
	}
}
