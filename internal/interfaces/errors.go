package interfaces

import "errors"

// Storage
var ErrNotFound = errors.New("not found")

// Session/credential manager
var (
	ErrAuthentication   = errors.New("authentication failed")
	ErrChallengeTimeout = errors.New("login challenge not resolved in time")
	ErrNoSecret         = errors.New("no login secret configured for account")
)

// Browser pool
var (
	ErrAccountBusy = errors.New("account is busy")
	ErrPoolClosed  = errors.New("browser pool is shut down")
	ErrPageClosed  = errors.New("page closed")
)

// Posting
var (
	ErrNavigation         = errors.New("navigation failed")
	ErrCrashDetected      = errors.New("page crash detected")
	ErrSelectorNotFound   = errors.New("selector not found")
	ErrActionTimeout      = errors.New("page action timed out")
	ErrPostingRestricted  = errors.New("posting restricted in destination")
	ErrContentNotInserted = errors.New("post content was not inserted")
	ErrSubmitDisabled     = errors.New("submit control stayed disabled")
	ErrSubmitRejected     = errors.New("destination rejected the submission")
)

// Publish lifecycle
var (
	ErrAlreadyPublished  = errors.New("destination already published")
	ErrInvalidJob        = errors.New("invalid job")
	ErrRunInProgress     = errors.New("publish run already in progress for account")
	ErrPublishInProgress = errors.New("destination is being published by another run")
)

// Context relay
var (
	ErrMissingContext = errors.New("missing context")
	ErrDecode         = errors.New("context token could not be decoded")
	ErrContextClosed  = errors.New("context closed")
	ErrRelayDelivery  = errors.New("relay delivery failed")
)
