package response

import (
	"encoding/json"
	"net/http"
)

// V is the success envelope
type V struct {
	Result   interface{} `json:"result"`
	Messages []string    `json:"messages"`
}

// WriteResponse writes the result wrapped in the success envelope
func WriteResponse(w http.ResponseWriter, r *http.Request, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(V{
		Result:   result,
		Messages: []string{},
	})
}

// WriteError writes the error envelope with its status code
func WriteError(w http.ResponseWriter, r *http.Request, e *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.StatusCode)
	json.NewEncoder(w).Encode(struct {
		Error    string      `json:"error"`
		Messages []string    `json:"messages"`
		Result   interface{} `json:"result"`
	}{
		Error:    e.Message,
		Messages: e.Messages,
		Result:   e.Result,
	})
}
