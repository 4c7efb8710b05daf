package handler

const (
	errInternalServer        = "Internal server error"
	errJobNotFound           = "Job not found"
	errJobNotCancellable     = "Job is no longer cancellable"
	errResultNotReady        = "Job has not produced a result yet"
	errResultGone            = "Result is no longer available"
	errInvalidPriority       = "Priority must be one of: low, normal, high"
	errScheduleNotFound      = "Schedule not found"
	errInvalidCronExpr       = "Cron expression is invalid"
	errScheduleNameConflict  = "Schedule with this name already exists"
	errScheduleAlreadyPaused = "Schedule is already paused"
	errScheduleNotPaused     = "Schedule is not paused"
)
