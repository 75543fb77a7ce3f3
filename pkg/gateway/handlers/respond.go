// Package handlers implements the HTTP and WebSocket endpoints of the order
// service.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/vango-go/vai-order/pkg/core"
	"github.com/vango-go/vai-order/pkg/gateway/apierror"
	"github.com/vango-go/vai-order/pkg/gateway/mw"
)

func requestID(r *http.Request) string {
	id, _ := mw.RequestIDFrom(r.Context())
	return id
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	apierror.Write(w, err, requestID(r))
}

// decodeBody reads a JSON object of at most limit bytes into v. An empty
// body leaves v untouched when allowEmpty is set.
func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v any, allowEmpty bool) error {
	if limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) && allowEmpty {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return core.NewInvalidArgument("request body too large", "body")
		}
		if errors.Is(err, io.EOF) {
			return core.NewInvalidArgument("request body is required", "body")
		}
		return core.NewInvalidArgument("invalid json body: "+err.Error(), "body")
	}
	if dec.More() {
		return core.NewInvalidArgument("request body must hold a single json object", "body")
	}
	return nil
}

func pathID(r *http.Request) (string, error) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		return "", core.NewInvalidArgument("session id is required", "id")
	}
	return id, nil
}

func queryBool(r *http.Request, name string) bool {
	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get(name))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
