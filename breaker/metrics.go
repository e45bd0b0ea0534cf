package breaker

const (
	// MetricRequestsTotal 经过熔断器的请求数 (Counter)
	MetricRequestsTotal = "breaker.requests.total"
	// MetricStateChanges 状态变更次数 (Counter)
	MetricStateChanges = "breaker.state_changes.total"

	LabelKey       = "key"
	LabelResult    = "result"
	LabelFromState = "from_state"
	LabelToState   = "to_state"

	ResultSuccess  = "success"
	ResultFailure  = "failure"
	ResultRejected = "rejected"
)
