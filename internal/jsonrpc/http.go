package jsonrpc

import (
	"encoding/json"
	"net/http"
)

// WriteHTTPError rejects an HTTP request with a JSON-RPC error envelope whose
// id is null.
func WriteHTTPError(w http.ResponseWriter, status int, code ErrorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(NewErrorResponse(nil, code, message, nil))
}
