package session

// Subscribe returns a channel receiving a snapshot after every change, and a
// function that cancels the subscription. A slow reader skips intermediate
// snapshots but always sees the latest one.
func (c *Controller) Subscribe() (<-chan Snapshot, func()) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	ch := make(chan Snapshot, 8)
	if c.subsClosed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch

	return ch, func() {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		if ch, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(ch)
		}
	}
}

func (c *Controller) notify() {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if len(c.subs) == 0 {
		return
	}

	snap := c.Snapshot()
	for _, ch := range c.subs {
		select {
		case ch <- snap:
		default:
			// full: replace the oldest pending snapshot
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}
