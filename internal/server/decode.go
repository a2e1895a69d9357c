package server

import (
	"encoding/json"
	"net/http"
)

// decodeBody best-effort decodes a JSON request body into dst. A missing
// or empty body is not an error — handlers that need a required field
// validate it themselves after the call.
func decodeBody(r *http.Request, dst any) {
	if r.Body == nil {
		return
	}
	defer r.Body.Close()
	_ = json.NewDecoder(r.Body).Decode(dst)
}
