package handlers

import (
	"net/http"

	"github.com/Corrah/CorrahFlow/internal/relay/rerror"
)

// checkAPIPassword enforces spec.md §6's auth rule: when password is
// non-empty, every data-plane request must carry it via the api_password
// query parameter or the X-Api-Password header.
func checkAPIPassword(r *http.Request, password string) error {
	if password == "" {
		return nil
	}
	supplied := r.URL.Query().Get("api_password")
	if supplied == "" {
		supplied = r.Header.Get("X-Api-Password")
	}
	if supplied != password {
		return &rerror.AuthError{Reason: "missing or invalid api_password"}
	}
	return nil
}
