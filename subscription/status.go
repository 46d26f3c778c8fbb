package subscription

// Status is the lifecycle status of a subscription.
type Status string

const (
	// StatusIdle means the subscription is started and waiting for work.
	StatusIdle Status = "idle"
	// StatusRunning means at least one event is executing.
	StatusRunning Status = "running"
	// StatusStopped means the subscription is not attached to any source.
	StatusStopped Status = "stopped"
)

// Active reports whether the status describes a started subscription.
// The empty status of a fresh definition counts as active so uploads
// start it.
func (s Status) Active() bool { return s != StatusStopped }

func (s Status) String() string {
	if s == "" {
		return string(StatusStopped)
	}
	return string(s)
}
