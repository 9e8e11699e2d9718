package v1

import "errors"

var (
	ErrRequestCtx        = errors.New("download request missing in context")
	ErrDesiredStatus     = errors.New("desired status missing in context")
	ErrDesiredStatusJSON = errors.New("desiredStatus is required")
	ErrSourceURL         = errors.New("url is required")
	ErrTargetPath        = errors.New("targetPath is required")
	ErrContentType       = errors.New("Content-Type must be application/json")
	ErrHealthJSON        = errors.New("health is required")
)
