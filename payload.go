package offline

import (
	"encoding/json"
	"net/http"
	"time"
)

// Response headers added to API reads served from the dynamic-data region.
const (
	HeaderServedByCache  = "X-Served-By-Cache"
	HeaderCacheTimestamp = "X-Cache-Timestamp"
)

// QueuedAck is returned in place of a failed write. The application detects
// the Queued flag to show its offline-save indicator.
type QueuedAck struct {
	Success bool   `json:"success"`
	Queued  bool   `json:"queued"`
	Offline bool   `json:"offline"`
	Message string `json:"message"`
}

// OfflineError is returned for reads that have no cached fallback.
type OfflineError struct {
	Error   string `json:"error"`
	Offline bool   `json:"offline"`
	Message string `json:"message"`
}

func writeQueuedAck(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(QueuedAck{
		Success: true,
		Queued:  true,
		Offline: true,
		Message: "Saved offline, will sync when connection is restored",
	})
}

func writeOfflineError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(OfflineError{
		Error:   "Offline",
		Offline: true,
		Message: "No network connection and no cached data available",
	})
}

func cacheTimestamp(storedAt time.Time) string {
	return storedAt.UTC().Format(time.RFC3339)
}
