// Package mediastream serializes speech work on live call audio streams. Each
// stream runs its text-to-speech tasks strictly in order while streams stay
// fully independent of each other, and each stream may carry one live
// speech-to-text session.
package mediastream

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// TTSTask performs one speech playback. It must honor ctx cancellation;
// ClearQueue and teardown cancel cooperatively, never forcibly.
type TTSTask func(ctx context.Context) error

// TaskHandle resolves when its task finished, was cancelled while running, or
// was discarded before starting.
type TaskHandle struct {
	done chan struct{}
	err  error
}

// Done is closed once the task's outcome is known.
func (h *TaskHandle) Done() <-chan struct{} { return h.done }

// Err returns the task's outcome. Only valid after Done is closed.
func (h *TaskHandle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the task resolves or ctx expires.
func (h *TaskHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *TaskHandle) resolve(err error) {
	h.err = err
	close(h.done)
}

type queuedTask struct {
	task   TTSTask
	handle *TaskHandle
}

// stream owns one call audio stream: the FIFO of pending tasks, the
// currently running task's cancel, and an optional speech session.
type stream struct {
	id string

	mu      sync.Mutex
	pending []*queuedTask
	cancel  context.CancelFunc
	closed  bool
	wake    chan struct{}

	speech *SpeechSession
}

// Handler is the registry of live streams. Safe for concurrent use.
type Handler struct {
	logger    *zap.Logger
	speechCfg SpeechConfig

	mu      sync.Mutex
	streams map[string]*stream
	closed  bool
	wg      sync.WaitGroup
}

// NewHandler builds a handler; speechCfg configures sessions opened through
// OpenSpeech.
func NewHandler(speechCfg SpeechConfig, logger *zap.Logger) *Handler {
	return &Handler{
		logger:    logger,
		speechCfg: speechCfg,
		streams:   make(map[string]*stream),
	}
}

// QueueTTS enqueues a task on the stream's FIFO. Tasks on one stream never
// overlap; tasks on different streams run concurrently. The handle resolves
// with the task's error, or context.Canceled if the task was cleared before
// it started.
func (h *Handler) QueueTTS(streamID string, task TTSTask) *TaskHandle {
	handle := &TaskHandle{done: make(chan struct{})}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		handle.resolve(context.Canceled)
		return handle
	}
	st := h.streams[streamID]
	if st == nil {
		st = &stream{id: streamID, wake: make(chan struct{}, 1)}
		h.streams[streamID] = st
		h.wg.Add(1)
		go h.run(st)
	}
	h.mu.Unlock()

	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		handle.resolve(context.Canceled)
		return handle
	}
	st.pending = append(st.pending, &queuedTask{task: task, handle: handle})
	st.mu.Unlock()

	st.signal()
	return handle
}

// run drains one stream's queue in order until the stream closes.
func (h *Handler) run(st *stream) {
	defer h.wg.Done()

	for {
		st.mu.Lock()
		if len(st.pending) == 0 {
			if st.closed {
				st.mu.Unlock()
				return
			}
			st.mu.Unlock()
			<-st.wake
			continue
		}
		next := st.pending[0]
		st.pending = st.pending[1:]

		ctx, cancel := context.WithCancel(context.Background())
		st.cancel = cancel
		st.mu.Unlock()

		err := next.task(ctx)

		st.mu.Lock()
		st.cancel = nil
		st.mu.Unlock()
		cancel()

		next.handle.resolve(err)
		if err != nil && err != context.Canceled {
			h.logger.Warn("tts task failed",
				zap.String("stream_id", st.id),
				zap.Error(err))
		}
	}
}

// ClearQueue cancels the stream's running task and discards everything
// queued behind it. Discarded handles resolve with context.Canceled. The
// stream stays usable for new tasks.
func (h *Handler) ClearQueue(streamID string) {
	h.mu.Lock()
	st := h.streams[streamID]
	h.mu.Unlock()
	if st == nil {
		return
	}
	for _, qt := range st.clear() {
		qt.handle.resolve(context.Canceled)
	}
}

// CloseStream tears the stream down: clears its queue, stops its worker, and
// closes any bound speech session.
func (h *Handler) CloseStream(streamID string) {
	h.mu.Lock()
	st := h.streams[streamID]
	delete(h.streams, streamID)
	h.mu.Unlock()
	if st == nil {
		return
	}
	h.closeStream(st)
}

// Shutdown tears down every stream and waits for their workers to exit.
func (h *Handler) Shutdown() {
	h.mu.Lock()
	h.closed = true
	streams := make([]*stream, 0, len(h.streams))
	for _, st := range h.streams {
		streams = append(streams, st)
	}
	h.streams = make(map[string]*stream)
	h.mu.Unlock()

	for _, st := range streams {
		h.closeStream(st)
	}
	h.wg.Wait()
}

// OpenSpeech dials a live transcription session and binds it to the stream.
// At most one session per stream; the previous one is closed first.
func (h *Handler) OpenSpeech(ctx context.Context, streamID string) (*SpeechSession, error) {
	session := NewSpeechSession(h.speechCfg, h.logger.With(zap.String("stream_id", streamID)))
	if err := session.Connect(ctx); err != nil {
		return nil, err
	}

	h.mu.Lock()
	st := h.streams[streamID]
	if st == nil {
		st = &stream{id: streamID, wake: make(chan struct{}, 1)}
		h.streams[streamID] = st
		h.wg.Add(1)
		go h.run(st)
	}
	h.mu.Unlock()

	st.mu.Lock()
	prev := st.speech
	st.speech = session
	st.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
	return session, nil
}

// Speech returns the stream's bound transcription session, if any.
func (h *Handler) Speech(streamID string) *SpeechSession {
	h.mu.Lock()
	st := h.streams[streamID]
	h.mu.Unlock()
	if st == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.speech
}

func (h *Handler) closeStream(st *stream) {
	st.mu.Lock()
	st.closed = true
	speech := st.speech
	st.speech = nil
	st.mu.Unlock()

	for _, qt := range st.clear() {
		qt.handle.resolve(context.Canceled)
	}
	st.signal()

	if speech != nil {
		if err := speech.Close(); err != nil {
			h.logger.Warn("closing speech session",
				zap.String("stream_id", st.id),
				zap.Error(err))
		}
	}
}

// clear cancels the running task and returns the discarded queue.
func (s *stream) clear() []*queuedTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	dropped := s.pending
	s.pending = nil
	return dropped
}

func (s *stream) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
