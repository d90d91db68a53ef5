package call

// post queues fn on the event loop. It reports false once the loop has
// stopped; the work is then dropped.
func (s *Session) post(fn func()) bool {
	s.qmu.Lock()
	if s.stopped {
		s.qmu.Unlock()
		return false
	}
	s.queue = append(s.queue, fn)
	s.qmu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// postGen queues fn unless the peer generation has moved on by the time it
// runs. Callbacks from a destroyed peer are dropped this way.
func (s *Session) postGen(gen int, fn func()) {
	s.post(func() {
		if gen != s.gen {
			log.Debugf("[%s] dropping callback from stale peer generation %d", s.self, gen)
			return
		}
		fn()
	})
}

// do runs fn on the loop and waits for it.
func (s *Session) do(fn func()) error {
	ran := make(chan struct{})
	if !s.post(func() { fn(); close(ran) }) {
		return &Error{Kind: KindSessionClosed, Op: "session"}
	}
	select {
	case <-ran:
		return nil
	case <-s.done:
		select {
		case <-ran:
			return nil
		default:
			return &Error{Kind: KindSessionClosed, Op: "session"}
		}
	}
}

func (s *Session) run() {
	defer close(s.done)
	for range s.wake {
		for {
			s.qmu.Lock()
			if len(s.queue) == 0 {
				s.qmu.Unlock()
				break
			}
			fn := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.qmu.Unlock()

			fn()

			if s.tornDown.Load() {
				s.qmu.Lock()
				s.stopped = true
				s.queue = nil
				s.qmu.Unlock()
				return
			}
		}
	}
}
