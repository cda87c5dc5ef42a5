package guard

import (
	"encoding/json"
	"net/http"
)

// Error codes returned in rejection responses
const (
	ErrorCodeRateLimitExceeded = "rate_limit_exceeded"
	ErrorCodeCSRFFailed        = "csrf_validation_failed"
)

// rejection is the JSON body written for denied requests. The description
// is always generic: it never echoes the submitted token or any other
// request material.
type rejection struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

// writeRejection writes a JSON rejection response
func writeRejection(w http.ResponseWriter, code, description string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(rejection{Code: code, Description: description})
}
