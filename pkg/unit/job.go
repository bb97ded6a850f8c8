package unit

// JobType enumerates the seven job types (§3).
type JobType string

const (
	JobVerifyActive  JobType = "verify-active"
	JobStart         JobType = "start"
	JobStop          JobType = "stop"
	JobReload        JobType = "reload"
	JobRestart       JobType = "restart"
	JobTryRestart    JobType = "try-restart"
	JobReloadOrStart JobType = "reload-or-start"
)

// JobMode enumerates the enqueue modes (4.G).
type JobMode string

const (
	ModeReplace             JobMode = "replace"
	ModeFail                JobMode = "fail"
	ModeIsolate             JobMode = "isolate"
	ModeIgnoreRequirements  JobMode = "ignore-requirements"
)

// JobState is waiting or running.
type JobState string

const (
	JobWaiting JobState = "waiting"
	JobRunning JobState = "running"
)

// Job is a pending transition request against a single unit (§3). The job
// engine (pkg/job) owns Job lifecycle; Unit merely holds at most one
// (invariant I2).
type Job struct {
	ID     uint64
	Type   JobType
	Mode   JobMode
	State  JobState
	Target *Unit
}
