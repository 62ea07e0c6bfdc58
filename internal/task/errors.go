package task

import "errors"

var (
	ErrNotFound          = errors.New("task not found")
	ErrDuplicateType     = errors.New("task type already registered")
	ErrUnknownWorkerType = errors.New("task references an unregistered worker type")
	ErrInvalidConfig     = errors.New("invalid task config")
	ErrActiveRuns        = errors.New("task config has active runs")
	ErrAlreadyExecuting  = errors.New("task run already executing")
	ErrFinished          = errors.New("task run already finished")
	ErrOccupancyTimeout  = errors.New("task run occupancy timed out")
)
