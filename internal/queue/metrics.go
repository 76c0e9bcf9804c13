package queue

// Metrics receives queue events; observability provides the Prometheus
// implementation.
type Metrics interface {
	Enqueued()
	Claimed()
	ClaimConflict()
	Completed()
	Retried()
	DeadLettered()
	LeaseExpired()
}

type nopMetrics struct{}

func (nopMetrics) Enqueued()      {}
func (nopMetrics) Claimed()       {}
func (nopMetrics) ClaimConflict() {}
func (nopMetrics) Completed()     {}
func (nopMetrics) Retried()       {}
func (nopMetrics) DeadLettered()  {}
func (nopMetrics) LeaseExpired()  {}
