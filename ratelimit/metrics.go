package ratelimit

const (
	// MetricDecisions 限流判定次数 (Counter)
	MetricDecisions = "ratelimit.decisions.total"

	LabelKey    = "key"
	LabelResult = "result"

	ResultAllowed = "allowed"
	ResultDenied  = "denied"
	ResultWaited  = "waited"
)
