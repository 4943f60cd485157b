package task

import "errors"

var (
	ErrNotFound          = errors.New("task: not found")
	ErrDuplicateID       = errors.New("task: duplicate id")
	ErrIllegalTransition = errors.New("task: illegal state transition")
)
