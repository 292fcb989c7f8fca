package vault

import (
	"errors"
	"net/http"

	vaultapi "github.com/hashicorp/vault/api"
)

var (
	// ErrLogin is returned when AppRole authentication against Vault fails.
	ErrLogin = errors.New("vault approle login failed")
	// ErrInvalidSecret is returned when the database secret was read but lacks string username/password fields.
	ErrInvalidSecret = errors.New("invalid database secret")
	// ErrFallbackDisabled is returned when the secret cannot be read and fallback credentials are not allowed.
	ErrFallbackDisabled = errors.New("vault unavailable and credential fallback is disabled")

	errMissingToken = errors.New("login response did not contain a client token")
)

func isNotFound(err error) bool {
	if errors.Is(err, vaultapi.ErrSecretNotFound) {
		return true
	}
	var apiErr *vaultapi.ResponseError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusNotFound
	}
	return false
}

func isPermissionDenied(err error) bool {
	var apiErr *vaultapi.ResponseError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusForbidden
	}
	return false
}

// isPermanent reports errors that will not go away by asking again: any 4xx
// answer from Vault, or a well-formed response missing what we need.
func isPermanent(err error) bool {
	if isNotFound(err) || isPermissionDenied(err) || errors.Is(err, errMissingToken) {
		return true
	}
	var apiErr *vaultapi.ResponseError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 && apiErr.StatusCode != http.StatusTooManyRequests
	}
	return false
}
