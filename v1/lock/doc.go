// Package lock implements a fair, crash-safe mutual exclusion lock on top of
// a hierarchical coordination service (see package coord).
//
// Every Acquire creates an ephemeral, sequentially numbered node under
// RootPath/<resource>. The node with the lowest sequence holds the lock.
// Every other contender watches only the node immediately before its own,
// so a release or a crash wakes exactly one waiter, which then lists the
// group again and either takes the lock or moves its watch to the new
// predecessor. Ephemeral nodes vanish with their session, so a crashed
// holder never blocks the queue for longer than the session timeout.
//
//	l, _ := lock.New(client, lock.DefaultConfig())
//	h, err := l.Acquire(ctx, "orders")
//	if err != nil {
//		return err
//	}
//	defer l.Release(context.Background(), h)
//	select {
//	case <-h.Lost():
//		// the critical section must stop here
//	case <-work():
//	}
package lock
