package handlers

import (
	"net/http"

	apperrors "github.com/3leaps/gofleet/internal/errors"
)

var httpErrorResponder = apperrors.RespondWithError

// SetHTTPErrorResponder replaces how handlers render errors. nil restores
// the default envelope writer.
func SetHTTPErrorResponder(fn func(http.ResponseWriter, *http.Request, error)) {
	if fn == nil {
		fn = apperrors.RespondWithError
	}
	httpErrorResponder = fn
}

// ResetHTTPErrorResponder restores the default envelope writer.
func ResetHTTPErrorResponder() {
	httpErrorResponder = apperrors.RespondWithError
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	httpErrorResponder(w, r, err)
}
