package handlers

import (
	"net/http"

	"github.com/vango-go/vai-order/pkg/core"
)

// NotFoundHandler answers unmatched routes, including known paths hit with
// an unregistered method, with the JSON error envelope.
type NotFoundHandler struct{}

func (NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, &core.Error{
		Type:    core.ErrNotFound,
		Code:    "route_not_found",
		Message: "no route for " + r.Method + " " + r.URL.Path,
	})
}
