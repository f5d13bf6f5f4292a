package models

// SchedulerView is a read-only view of scheduler state a Policy predicate
// can inspect. It is a snapshot, never a live reference; policies must be
// pure functions of (NetworkContext, SchedulerView).
type SchedulerView struct {
	QueuedCount       int
	InFlightCount     int
	CriticalOutstanding int
	PrefetchConcurrency int
	RemainingBudget   int64
}

// SchedulerSettings are the mutable knobs a Policy's Effect may adjust. The
// PolicyEngine applies effects against a copy of the current settings each
// tick; the scheduler commits the result.
type SchedulerSettings struct {
	PrefetchConcurrency int
	PrefetchEnabled     bool
	HighOnly            bool
	SpeculativeEnabled  bool
	PreconnectOnly      bool
}
