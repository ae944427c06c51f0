package transport

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/gimbalctl/internal/metrics"
	"github.com/shaunagostinho/gimbalctl/internal/protocol"
)

const (
	readBufferSize = 256
	writeQueueSize = 64
)

// stream is the I/O machinery both transports share: a read goroutine
// feeding the framer and a write goroutine draining a queue.
type stream struct {
	kind string
	log  zerolog.Logger

	lifecycle sync.Mutex // serializes start and stop

	mu       sync.RWMutex
	rw       io.ReadWriteCloser
	open     bool
	writes   chan []byte
	quit     chan struct{}
	onPacket func([]byte)
	onFault  func(error)

	faulted   atomic.Bool
	faultOnce *sync.Once
	wg        sync.WaitGroup
	framer    *protocol.Framer
}

func newStream(kind string, log zerolog.Logger) *stream {
	s := &stream{kind: kind, log: log}
	s.framer = protocol.NewFramer(s.deliver, log)
	s.framer.OnMalformed = func() { metrics.RecordMalformed(kind) }
	return s
}

// start takes ownership of rw and launches the I/O goroutines.
func (s *stream) start(rw io.ReadWriteCloser) {
	s.mu.Lock()
	s.rw = rw
	s.open = true
	s.writes = make(chan []byte, writeQueueSize)
	s.quit = make(chan struct{})
	s.faultOnce = new(sync.Once)
	s.faulted.Store(false)
	writes, quit := s.writes, s.quit
	s.mu.Unlock()

	s.wg.Add(2)
	go s.readLoop(rw, quit)
	go s.writeLoop(rw, writes, quit)
	s.log.Debug().Msg("I/O goroutines started")
}

// stop runs the teardown sequence: mark closed, close the handle, stop the
// write loop, wait for both goroutines, reset the framer.
func (s *stream) stop() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.stopLocked()
}

func (s *stream) stopLocked() error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return nil
	}
	s.open = false
	rw, quit := s.rw, s.quit
	s.mu.Unlock()

	err := rw.Close()
	close(quit)
	s.wg.Wait()
	s.framer.Reset()
	s.log.Debug().Msg("I/O goroutines joined")
	if err != nil {
		return fmt.Errorf("transport: close %s: %w", s.kind, err)
	}
	return nil
}

func (s *stream) isOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.open && !s.faulted.Load()
}

func (s *stream) enqueue(frame []byte) {
	s.mu.RLock()
	open, writes := s.open && !s.faulted.Load(), s.writes
	s.mu.RUnlock()
	if !open {
		s.log.Warn().Int("bytes", len(frame)).Msg("write on closed transport dropped")
		return
	}
	buf := append([]byte(nil), frame...)
	select {
	case writes <- buf:
	default:
		s.log.Warn().Int("bytes", len(frame)).Msg("write queue full, frame dropped")
	}
}

func (s *stream) setPacketHandler(fn func([]byte)) {
	s.mu.Lock()
	s.onPacket = fn
	s.mu.Unlock()
}

func (s *stream) setFaultHandler(fn func(error)) {
	s.mu.Lock()
	s.onFault = fn
	s.mu.Unlock()
}

func (s *stream) deliver(pkt []byte) {
	s.mu.RLock()
	fn := s.onPacket
	s.mu.RUnlock()
	if fn != nil {
		fn(pkt)
	}
}

func (s *stream) closing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.open
}

// fault reports an I/O error that Close did not cause. Only the first one
// per session reaches the handler.
func (s *stream) fault(err error) {
	if s.closing() {
		return
	}
	s.mu.RLock()
	once, fn := s.faultOnce, s.onFault
	s.mu.RUnlock()
	once.Do(func() {
		s.faulted.Store(true)
		metrics.RecordFault(s.kind)
		s.log.Error().Err(err).Msg("transport fault")
		if fn != nil {
			fn(fmt.Errorf("%w: %s: %v", ErrTransportFault, s.kind, err))
		}
	})
}

func (s *stream) readLoop(r io.Reader, quit <-chan struct{}) {
	defer s.wg.Done()
	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			metrics.RecordBytes(s.kind, "rx", n)
			s.framer.Feed(buf[:n])
		}
		if err != nil {
			s.fault(err)
			return
		}
		select {
		case <-quit:
			return
		default:
		}
	}
}

func (s *stream) writeLoop(w io.Writer, writes <-chan []byte, quit <-chan struct{}) {
	defer s.wg.Done()
	for {
		select {
		case <-quit:
			return
		case frame := <-writes:
			n, err := w.Write(frame)
			metrics.RecordBytes(s.kind, "tx", n)
			if err != nil {
				s.fault(err)
				return
			}
			s.log.Trace().Int("bytes", n).Msg("frame written")
		}
	}
}
