package common

import (
	"encoding/json"
	"net/http"
)

// APIResponse is the envelope of every successful API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Meta    *MetaInfo   `json:"meta,omitempty"`
}

// MetaInfo contains metadata about the response
type MetaInfo struct {
	RequestID string `json:"request_id,omitempty"`
}

// RespondJSON sends data wrapped in an APIResponse
func RespondJSON(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	response := APIResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
	}
	if id := ExtractRequestID(r); id != "" {
		response.Meta = &MetaInfo{RequestID: id}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(response)
}

// ExtractRequestID returns the request id set by the gateway or the request id middleware
func ExtractRequestID(r *http.Request) string {
	for _, h := range []string{"X-Request-ID", "X-Amzn-Trace-Id"} {
		if id := r.Header.Get(h); id != "" {
			return id
		}
	}
	return ""
}

// ParseJSONBody decodes at most maxBytes of the request body into v. Unknown
// fields are rejected.
func ParseJSONBody(w http.ResponseWriter, r *http.Request, v interface{}, maxBytes int64) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}
