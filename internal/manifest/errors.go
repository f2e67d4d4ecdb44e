package manifest

import "errors"

var (
	ErrPlanNotFound = errors.New("plan not found")
	ErrInvalidPlan  = errors.New("invalid plan")
	ErrInvalidStep  = errors.New("invalid step")
)
