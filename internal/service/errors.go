package service

import (
	"errors"
	"fmt"
)

// 业务层错误分类，handler 通过 errors.Is 映射到合适的 HTTP 状态码。
var (
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrConflict     = errors.New("conflict")
	ErrUnauthorized = errors.New("unauthorized")
)

var (
	ErrUsernameRequired = fmt.Errorf("%w: username is required", ErrValidation)
	ErrUsernameTooLong  = fmt.Errorf("%w: username must be at most 64 characters", ErrValidation)
	ErrInvalidTopic     = fmt.Errorf("%w: topic must be 3-50 characters", ErrValidation)
	ErrDescriptionLong  = fmt.Errorf("%w: description must be at most 200 characters", ErrValidation)
	ErrEmptyMessage     = fmt.Errorf("%w: message must not be empty", ErrValidation)
	ErrMessageTooLong   = fmt.Errorf("%w: message must be at most 1000 characters", ErrValidation)
	ErrSelfMessage      = fmt.Errorf("%w: cannot message yourself", ErrValidation)

	ErrGroupNotFound      = fmt.Errorf("%w: group not found", ErrNotFound)
	ErrConnectionNotFound = fmt.Errorf("%w: connection not found", ErrNotFound)

	ErrNoActiveConnection = fmt.Errorf("%w: no active connection with this partner", ErrForbidden)
	ErrNotGroupMember     = fmt.Errorf("%w: not a member of this group", ErrForbidden)

	ErrUsernameTaken    = fmt.Errorf("%w: username taken", ErrConflict)
	ErrInvalidLoginCode = fmt.Errorf("%w: invalid or expired login code", ErrUnauthorized)
)
