package state

import "sync"

// Subscription delivers updates for a set of properties. Receive from C
// until it is closed.
type Subscription struct {
	store *Store
	props map[Property]bool
	out   chan Update

	mu     sync.Mutex
	queue  []Update
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newSubscription(store *Store, props []Property) *Subscription {
	sub := &Subscription{
		store:  store,
		props:  make(map[Property]bool, len(props)),
		out:    make(chan Update),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, p := range props {
		sub.props[p] = true
	}
	go sub.run()
	return sub
}

// C returns the update channel. It is closed after Close.
func (sub *Subscription) C() <-chan Update {
	return sub.out
}

// Close unsubscribes. Updates still queued are discarded.
func (sub *Subscription) Close() {
	sub.store.Unsubscribe(sub)
}

func (sub *Subscription) wants(p Property) bool {
	return sub.props[p]
}

// push never blocks; the store calls it with its lock held.
func (sub *Subscription) push(u Update) {
	sub.mu.Lock()
	sub.queue = append(sub.queue, u)
	sub.mu.Unlock()

	select {
	case sub.signal <- struct{}{}:
	default:
	}
}

func (sub *Subscription) shutdown() {
	sub.once.Do(func() {
		close(sub.done)
	})
}

// run forwards queued updates to out, one at a time, in order.
func (sub *Subscription) run() {
	defer close(sub.out)

	for {
		sub.mu.Lock()
		if len(sub.queue) == 0 {
			sub.mu.Unlock()
			select {
			case <-sub.signal:
				continue
			case <-sub.done:
				return
			}
		}
		next := sub.queue[0]
		sub.queue[0] = Update{}
		sub.queue = sub.queue[1:]
		sub.mu.Unlock()

		select {
		case sub.out <- next:
		case <-sub.done:
			return
		}
	}
}
