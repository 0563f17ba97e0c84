package bots

import "errors"

// Lifecycle errors. Engine, storage and validation errors pass through
// wrapped and keep their own sentinels.
var (
	ErrNotFound          = errors.New("bot not found")
	ErrAccessDenied      = errors.New("access denied")
	ErrNameTaken         = errors.New("bot name already in use")
	ErrQuotaExceeded     = errors.New("bot quota exceeded for plan")
	ErrInvalidTransition = errors.New("operation not allowed in current bot state")
	ErrNoSource          = errors.New("no source code uploaded")
	ErrNoContainer       = errors.New("bot has no container")
	ErrPlanNotFound      = errors.New("plan not found")
)
