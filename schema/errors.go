package schema

import "errors"

var (
	// ErrInvalidHostname indicates an empty or malformed hostname.
	ErrInvalidHostname = errors.New("invalid hostname")
	// ErrTabNotFound indicates a requested tab could not be found.
	ErrTabNotFound = errors.New("tab not found")
	// ErrTabLoading indicates the host refused to discard a tab mid-navigation.
	ErrTabLoading = errors.New("tab is loading")
	// ErrTabActive indicates the host refused to discard the focused tab.
	ErrTabActive = errors.New("tab is active")
	// ErrHostUnavailable indicates the tab host could not be reached.
	ErrHostUnavailable = errors.New("host unavailable")
	// ErrUnknownMenuItem indicates a click on a menu item the session does not own.
	ErrUnknownMenuItem = errors.New("unknown menu item")
	// ErrInvalidConfig indicates a configuration value failed validation.
	ErrInvalidConfig = errors.New("invalid config")
)
