package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/xraph/switchboard"
)

// maxBody caps request bodies.
const maxBody = 1 << 20

// errorBody is the error envelope.
type errorBody struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes err as an error envelope with its mapped status.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, switchboard.HTTPStatus(err), errorBody{
		Status:  "error",
		Code:    switchboard.Code(err),
		Message: err.Error(),
	})
}

// badRequest wraps msg with ErrBadRequest.
func badRequest(msg string) error {
	return fmt.Errorf("%w: %s", switchboard.ErrBadRequest, msg)
}

// decode reads a JSON body into v. Decoding failures are bad requests.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return badRequest("empty body")
		}
		return fmt.Errorf("%w: decode body: %v", switchboard.ErrBadRequest, err)
	}
	return nil
}
