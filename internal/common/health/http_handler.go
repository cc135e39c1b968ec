package health

import (
	"encoding/json"
	"net/http"

	log "github.com/sirupsen/logrus"
)

const healthy = "ok"

// Reporter is implemented by checkers able to report per-component status.
type Reporter interface {
	Report() map[string]string
}

type HealthCheckHttpHandler struct {
	checker Checker
}

func NewHealthCheckHttpHandler(checker Checker) *HealthCheckHttpHandler {
	return &HealthCheckHttpHandler{
		checker: checker,
	}
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *HealthCheckHttpHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	response := healthResponse{Status: healthy}
	status := http.StatusOK
	if reporter, ok := h.checker.(Reporter); ok {
		response.Components = reporter.Report()
		for name, msg := range response.Components {
			if msg != healthy {
				log.Warnf("Health check of %s failed: %s", name, msg)
				response.Status = "unavailable"
				status = http.StatusServiceUnavailable
			}
		}
	} else if err := h.checker.Check(); err != nil {
		log.Warnf("Health check failed: %v", err)
		response.Status = "unavailable"
		response.Components = map[string]string{"service": err.Error()}
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Errorf("Failed to write health check response: %v", err)
	}
}
