package federation

import "errors"

var (
	ErrProviderNotConfigured = errors.New("provider not configured")
	ErrProviderMisconfigured = errors.New("provider is misconfigured")
	ErrExchangeCodeFailed    = errors.New("failed to exchange authorization code for token")
	ErrFetchUserInfoFailed   = errors.New("failed to fetch user info from provider")
	ErrTokenRejected         = errors.New("access token rejected")
	ErrMalformedPayload      = errors.New("malformed provider payload")
	ErrUserNotFound          = errors.New("user not found")
	ErrInvalidCredentials    = errors.New("invalid credentials")
)
