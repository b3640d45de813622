package relay

// Executor runs background login-restore attempts. Go must not block the
// submitting goroutine; transport workers call it from their callback path.
type Executor interface {
	Go(task func())
}

// boundedExecutor caps concurrent restore tasks. Excess tasks queue on the
// semaphore inside their own goroutine, so Go itself never blocks.
type boundedExecutor struct {
	slots chan struct{}
}

func newBoundedExecutor(limit int) *boundedExecutor {
	if limit <= 0 {
		limit = 2
	}
	return &boundedExecutor{slots: make(chan struct{}, limit)}
}

func (e *boundedExecutor) Go(task func()) {
	go func() {
		e.slots <- struct{}{}
		defer func() { <-e.slots }()
		task()
	}()
}
