package bus

import "sync"

// notifier wakes every waiting subscription when an entry is appended in
// this process. Waiters take the current channel before reading and block
// on it afterwards, so a publish between the two is never missed.
type notifier struct {
	mu     sync.Mutex
	signal chan struct{}
}

func newNotifier() *notifier {
	return &notifier{signal: make(chan struct{})}
}

// wait returns a channel that is closed on the next broadcast.
func (n *notifier) wait() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.signal
}

func (n *notifier) broadcast() {
	n.mu.Lock()
	defer n.mu.Unlock()
	close(n.signal)
	n.signal = make(chan struct{})
}
