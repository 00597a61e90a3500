package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// componentState is the recorded health of one master subsystem.
type componentState struct {
	Healthy bool      `json:"healthy"`
	Message string    `json:"message,omitempty"`
	Updated time.Time `json:"updated"`
}

// HealthStatus is the aggregate answer served on /healthz. Status is
// "healthy" when every component is, "unhealthy" otherwise; a master
// with a stuck registry reports unhealthy while it keeps retrying.
type HealthStatus struct {
	Status     string                    `json:"status"`
	Timestamp  time.Time                 `json:"timestamp"`
	Version    string                    `json:"version,omitempty"`
	Uptime     string                    `json:"uptime"`
	Components map[string]componentState `json:"components,omitempty"`
}

var health = struct {
	mu         sync.RWMutex
	components map[string]componentState
	version    string
	started    time.Time
}{
	components: make(map[string]componentState),
	started:    time.Now(),
}

// SetVersion records the build version reported on /healthz.
func SetVersion(version string) {
	health.mu.Lock()
	health.version = version
	health.mu.Unlock()
}

// RegisterComponent adds a subsystem to the health report.
func RegisterComponent(name string, healthy bool, message string) {
	health.mu.Lock()
	health.components[name] = componentState{
		Healthy: healthy,
		Message: message,
		Updated: time.Now(),
	}
	health.mu.Unlock()
}

// UpdateComponent records the latest health of a subsystem. Unknown
// names are registered on first update.
func UpdateComponent(name string, healthy bool, message string) {
	RegisterComponent(name, healthy, message)
}

// GetHealth aggregates component states into the /healthz answer.
func GetHealth() HealthStatus {
	health.mu.RLock()
	defer health.mu.RUnlock()

	status := "healthy"
	components := make(map[string]componentState, len(health.components))
	for name, c := range health.components {
		components[name] = c
		if !c.Healthy {
			status = "unhealthy"
		}
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Version:    health.version,
		Uptime:     time.Since(health.started).String(),
		Components: components,
	}
}

// HealthHandler serves /healthz: 200 while all components are healthy,
// 503 as soon as one is not.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := GetHealth()

		w.Header().Set("Content-Type", "application/json")
		if status.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	}
}

// LivenessHandler serves /livez: 200 whenever the process can answer.
// Orchestrators restart on liveness failures, so a stuck registry must
// not fail this probe; that condition belongs to /healthz.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"uptime": time.Since(health.started).String(),
		})
	}
}
