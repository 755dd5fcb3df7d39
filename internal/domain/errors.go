package domain

import "errors"

// 业务错误定义
var (
	ErrInvalidDuration        = errors.New("invalid duration")
	ErrPermissionDenied       = errors.New("permission denied")
	ErrPolicyNotFound         = errors.New("no policy configured")
	ErrTrackedMessageNotFound = errors.New("tracked message not found")
	ErrInvalidTransition      = errors.New("invalid state transition")
	ErrUnknownCommand         = errors.New("unknown command")
	ErrInvalidEvent           = errors.New("invalid message event")
)
