package tokenkit

import "errors"

var (
	// ErrTokenRecordNotFound indicates no active token record exists for the user.
	// Absence is unambiguous: the user must redo the OAuth authorization flow.
	ErrTokenRecordNotFound = errors.New("token_store.not_found")
	// ErrEmptyUserID indicates a store call with a blank user identifier.
	ErrEmptyUserID = errors.New("token_store.empty_user_id")
	// ErrEmptyRealmID indicates a record missing its QuickBooks realm identifier.
	ErrEmptyRealmID = errors.New("token_store.empty_realm_id")
	// ErrEmptyAccessToken indicates a record missing its access token.
	ErrEmptyAccessToken = errors.New("token_store.empty_access_token")
)
