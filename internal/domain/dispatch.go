package domain

// JobPhase is the coarse dispatcher-side state of a unit of work.
type JobPhase string

const (
	PhasePending   JobPhase = "pending"
	PhaseRunning   JobPhase = "running"
	PhaseSucceeded JobPhase = "succeeded"
	PhaseFailed    JobPhase = "failed"
	PhaseNotFound  JobPhase = "not_found"
)

// JobStatus is the dispatcher's view of one job.
type JobStatus struct {
	Job     string   `json:"job"`
	Phase   JobPhase `json:"phase"`
	Active  int      `json:"active"`
	Message string   `json:"message,omitempty"`
}

// JobResult carries the captured container output for a finished job.
type JobResult struct {
	Logs     string `json:"logs"`
	ExitCode *int   `json:"exit_code,omitempty"`
	// Source names where the logs came from: "pod" for the cluster API,
	// "aggregator" for the fallback backend, empty when nothing answered.
	Source string `json:"source,omitempty"`
}

// Capacity is the dispatcher's admission answer before an execute call.
type Capacity struct {
	Allowed       bool   `json:"allowed"`
	Reason        string `json:"reason,omitempty"`
	UsedMemoryMB  int64  `json:"used_memory_mb"`
	HardMemoryMB  int64  `json:"hard_memory_mb,omitempty"`
	UsedCPUMillis int64  `json:"used_cpu_millis"`
	HardCPUMillis int64  `json:"hard_cpu_millis,omitempty"`
}

// Dispatcher is the execution backend port. The worker talks to it over
// HTTP; the dispatcher service implements it against the cluster.
type Dispatcher interface {
	// CheckCapacity answers whether the item fits the namespace quota
	// right now. A definitive no is ErrQuotaRejected; transient pressure
	// is ErrResourceExhausted.
	CheckCapacity(ctx Context, item WorkItem) (Capacity, error)
	// Execute launches the item and returns the job name.
	Execute(ctx Context, item WorkItem) (string, error)
	JobStatus(ctx Context, job string) (JobStatus, error)
	JobResult(ctx Context, job string) (JobResult, error)
	DeleteJob(ctx Context, job string) error
}
