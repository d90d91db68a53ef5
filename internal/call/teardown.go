package call

import (
	"context"

	"github.com/petervdpas/consult/internal/broadcast"
	"github.com/petervdpas/consult/internal/storage"
	"github.com/petervdpas/consult/internal/util"
)

// EndCall hangs up. For the privileged role the call-ended notice goes out
// first so the counterpart tears down too; the other role just leaves. The
// notice gets at most util.ShortTimeout, teardown happens either way.
// Calling it again, or after Close, is a no-op.
func (s *Session) EndCall(ctx context.Context) error {
	if s.tornDown.Load() {
		return nil
	}
	if s.role.Privileged() && s.opts.Bus != nil {
		msg, err := broadcast.NewCallEnded(s.channel, s.self, string(s.role))
		if err == nil {
			pctx, cancel := context.WithTimeout(ctx, util.ShortTimeout)
			err = s.opts.Bus.Publish(pctx, s.channel, msg)
			cancel()
		}
		if err != nil {
			log.Warnf("[%s] call-ended notice on %s: %v", s.self, s.channel, err)
		} else {
			log.Infof("[%s] call-ended notice sent on %s", s.self, s.channel)
		}
	}
	_ = s.do(func() { s.teardown(EndHangup) })
	return nil
}

// Close tears the session down without notifying anyone, as when the host
// page goes away.
func (s *Session) Close() {
	_ = s.do(func() { s.teardown(EndClosed) })
}

// teardown releases everything in order: retry timer, calls, the peer
// registration, local tracks, the shared document. Runs once.
func (s *Session) teardown(reason EndReason) {
	if !s.tornDown.CompareAndSwap(false, true) {
		return
	}
	log.Infof("[%s] ending (%s)", s.self, reason)

	s.stopRetry()
	if s.collisionTimer != nil {
		s.collisionTimer.Stop()
		s.collisionTimer = nil
	}
	s.closeConnections()
	s.connected = false
	if s.tp != nil {
		s.tp.Destroy()
		s.tp = nil
	}
	s.gen++
	if s.stream != nil {
		s.stream.Stop()
	}
	if s.stopPreview != nil {
		s.stopPreview()
	}
	s.mu.Lock()
	hadFile := s.file != nil
	views := []interface{ Close() }{}
	if s.selfView != nil {
		views = append(views, s.selfView)
	}
	if s.remoteView != nil {
		views = append(views, s.remoteView)
	}
	s.mu.Unlock()
	if hadFile {
		s.setFile(nil)
	}
	for _, v := range views {
		v.Close()
	}
	if s.recorder != nil {
		if err := s.recorder.Close(); err != nil {
			log.Warnf("[%s] recorder: %v", s.self, err)
		}
	}
	if s.busCancel != nil {
		s.busCancel()
		s.busCancel = nil
	}

	s.setState(StateTerminated)
	s.emit(Event{Type: EventEnded, Reason: reason})
	s.closeSubscribers()
	s.record(storage.EventEnded, string(reason))

	if s.opts.OnEnd != nil {
		s.opts.OnEnd(reason)
	}
}
