package udpcap

import (
	"reflect"
	"time"

	"github.com/kestrelnet/udpcap/pkg/hostaddr"
)

// ReceiveDatagram blocks until a datagram is delivered, the deadline
// passes, or the socket is closed. timeout < 0 means wait forever;
// timeout == 0 means poll once and return immediately if nothing is
// queued; timeout > 0 is the usual deadline. Only one goroutine may call
// ReceiveDatagram on a given Socket at a time; the caller must enforce
// this.
func (s *Socket) ReceiveDatagram(buf []byte, timeout time.Duration) (int, hostaddr.Address, uint16, error) {
	if !s.IsValid() {
		return 0, hostaddr.Invalid(), 0, ErrDriverNotInitialized
	}

	forever := timeout < 0
	pollOnce := timeout == 0
	var deadline time.Time
	if !forever {
		deadline = time.Now().Add(timeout)
	}

	for {
		n, addr, port, progressed, err := s.drainOnce(buf)
		if err != nil {
			return 0, hostaddr.Invalid(), 0, err
		}
		if n >= 0 {
			return n, addr, port, nil
		}
		if progressed {
			continue
		}
		if pollOnce {
			return 0, hostaddr.Invalid(), 0, ErrTimeout
		}
		if !forever && !time.Now().Before(deadline) {
			return 0, hostaddr.Invalid(), 0, ErrTimeout
		}

		wr := s.waitForActivity(deadline, forever)
		switch wr.kind {
		case waitTimedOut:
			return 0, hostaddr.Invalid(), 0, ErrTimeout
		case waitClosed:
			continue // next drainOnce call observes closed and returns SocketClosed
		case waitFrame:
			result, complete, err := s.handleWaitFrame(wr, buf)
			if err != nil {
				return 0, hostaddr.Invalid(), 0, err
			}
			if complete {
				return result.n, result.srcAddr, result.srcPort, nil
			}
			continue
		}
	}
}

func (s *Socket) boundPortSnapshot() uint16 {
	s.adapterMu.RLock()
	defer s.adapterMu.RUnlock()
	return s.boundPort
}

// drainOnce performs one non-blocking sweep of every adapter's packet
// channel under the callback lock. n is -1 when no datagram completed
// this pass (callers must check progressed to decide whether to sweep
// again immediately or wait).
func (s *Socket) drainOnce(buf []byte) (n int, addr hostaddr.Address, port uint16, progressed bool, err error) {
	s.callbackMu.Lock()
	defer s.callbackMu.Unlock()

	if s.IsClosed() {
		return -1, hostaddr.Invalid(), 0, false, ErrSocketClosed
	}
	if !s.IsBound() {
		return -1, hostaddr.Invalid(), 0, false, ErrNotBound
	}

	s.adapterMu.RLock()
	entries := s.adapters
	boundPort := s.boundPort
	s.adapterMu.RUnlock()

	for _, e := range entries {
	drainEntry:
		for {
			select {
			case frame := <-e.packets:
				progressed = true
				result, complete := e.handleFrame(frame.data, boundPort, buf)
				if complete {
					return result.n, result.srcAddr, result.srcPort, progressed, nil
				}
			default:
				break drainEntry
			}
		}
	}
	return -1, hostaddr.Invalid(), 0, progressed, nil
}

// handleWaitFrame processes a frame handed back by waitForActivity under
// callbackMu, the same lock drainOnce holds while pulling from the
// adapter channels. Close() takes this lock before tearing down handles,
// so holding it here too keeps a concurrent Close from freeing a handle
// while handleFrame is still dereferencing packet memory it owns.
func (s *Socket) handleWaitFrame(wr waitResult, buf []byte) (deliveredDatagram, bool, error) {
	s.callbackMu.Lock()
	defer s.callbackMu.Unlock()

	if s.IsClosed() {
		return deliveredDatagram{}, false, ErrSocketClosed
	}

	result, complete := wr.entry.handleFrame(wr.frame.data, s.boundPortSnapshot(), buf)
	return result, complete, nil
}

type waitResultKind int

const (
	waitTimedOut waitResultKind = iota
	waitClosed
	waitFrame
)

type waitResult struct {
	kind  waitResultKind
	entry *adapterEntry
	frame capturedFrame
}

// waitForActivity multiplexes a blocking wait across up to maxWaitSlots
// adapter channels plus the socket's close signal. A channel's received
// value is returned to the caller rather than discarded, since
// reflect.Select consumes it.
func (s *Socket) waitForActivity(deadline time.Time, forever bool) waitResult {
	s.adapterMu.RLock()
	entries := s.adapters
	s.adapterMu.RUnlock()

	slots := len(entries)
	if slots > maxWaitSlots {
		slots = maxWaitSlots
	}

	cases := make([]reflect.SelectCase, 0, slots+2)
	for i := 0; i < slots; i++ {
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(entries[i].packets)})
	}
	doneIdx := len(cases)
	cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(s.done)})

	timerIdx := -1
	if !forever {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		timer := time.NewTimer(remaining)
		defer timer.Stop()
		timerIdx = len(cases)
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(timer.C)})
	}

	chosen, recv, _ := reflect.Select(cases)
	switch {
	case chosen == doneIdx:
		return waitResult{kind: waitClosed}
	case chosen == timerIdx:
		return waitResult{kind: waitTimedOut}
	default:
		frame, _ := recv.Interface().(capturedFrame)
		return waitResult{kind: waitFrame, entry: entries[chosen], frame: frame}
	}
}
