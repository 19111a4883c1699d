package health

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// ListenerStatus reports whether a broker listener is bound and where.
type ListenerStatus interface {
	Addr() string
}

// Handler manages health check endpoints
type Handler struct {
	handshake ListenerStatus
	relay     ListenerStatus
}

// NewHandler creates a health check handler over the broker's two listeners.
func NewHandler(handshake, relay ListenerStatus) *Handler {
	return &Handler{handshake: handshake, relay: relay}
}

// LivenessResponse represents the liveness probe response
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles the liveness probe endpoint
// GET /health/live
// Returns 200 if the process is alive (no dependency checks)
func (h *Handler) Liveness(c *gin.Context) {
	response := LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(http.StatusOK, response)
}

// Readiness handles the readiness probe endpoint
// GET /health/ready
// Returns 200 only if both listeners are bound, 503 otherwise
func (h *Handler) Readiness(c *gin.Context) {
	checks := make(map[string]string)
	allHealthy := true

	checks["handshake"] = checkListener(h.handshake)
	checks["relay"] = checkListener(h.relay)
	for _, status := range checks {
		if status == "unbound" {
			allHealthy = false
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(statusCode, response)
}

// checkListener reports the listener's bound address, or "unbound".
func checkListener(l ListenerStatus) string {
	if l == nil {
		return "unbound"
	}
	if addr := l.Addr(); addr != "" {
		return addr
	}
	return "unbound"
}
