package mediastream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultListenURL  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en-US"
	defaultSampleRate = 8000
	defaultEncoding   = "mulaw"

	keepAliveInterval = 5 * time.Second
)

// SpeechConfig configures live transcription sessions.
type SpeechConfig struct {
	APIKey     string
	ListenURL  string
	Model      string
	Language   string
	SampleRate int
	// Encoding names the raw audio format pushed through SendAudio;
	// telephony media streams carry 8kHz mulaw.
	Encoding string

	Dialer *websocket.Dialer
}

func (c *SpeechConfig) applyDefaults() {
	if c.ListenURL == "" {
		c.ListenURL = defaultListenURL
	}
	if c.Model == "" {
		c.Model = defaultModel
	}
	if c.Language == "" {
		c.Language = defaultLanguage
	}
	if c.SampleRate <= 0 {
		c.SampleRate = defaultSampleRate
	}
	if c.Encoding == "" {
		c.Encoding = defaultEncoding
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
}

// SpeechSession is one live transcription connection. Finalized speech
// segments are collected and delivered through WaitForTranscript; interim
// hypotheses and voice-activity events surface through callbacks registered
// before Connect.
type SpeechSession struct {
	cfg    SpeechConfig
	logger *zap.Logger

	onPartial     func(transcript string)
	onSpeechStart func()

	connMu    sync.Mutex
	conn      *websocket.Conn
	lastWrite time.Time

	mu          sync.Mutex
	accumulated string

	transcripts chan string
	done        chan struct{}
	closeOnce   sync.Once
}

// NewSpeechSession builds an unconnected session.
func NewSpeechSession(cfg SpeechConfig, logger *zap.Logger) *SpeechSession {
	cfg.applyDefaults()
	return &SpeechSession{
		cfg:         cfg,
		logger:      logger,
		transcripts: make(chan string, 8),
		done:        make(chan struct{}),
	}
}

// OnPartial registers a callback for interim hypotheses. Must be set before
// Connect.
func (s *SpeechSession) OnPartial(fn func(transcript string)) {
	s.onPartial = fn
}

// OnSpeechStart registers a callback for voice-activity onset. Must be set
// before Connect.
func (s *SpeechSession) OnSpeechStart(fn func()) {
	s.onSpeechStart = fn
}

// Connect dials the live listen endpoint and starts the read loop.
func (s *SpeechSession) Connect(ctx context.Context) error {
	listenURL, err := url.Parse(s.cfg.ListenURL)
	if err != nil {
		return fmt.Errorf("invalid listen url: %w", err)
	}
	q := listenURL.Query()
	q.Set("encoding", s.cfg.Encoding)
	q.Set("sample_rate", strconv.Itoa(s.cfg.SampleRate))
	q.Set("channels", "1")
	q.Set("model", s.cfg.Model)
	q.Set("language", s.cfg.Language)
	q.Set("smart_format", "true")
	q.Set("utterance_end_ms", "1000")
	q.Set("interim_results", "true")
	q.Set("endpointing", "300")
	q.Set("vad_events", "true")
	listenURL.RawQuery = q.Encode()

	header := http.Header{}
	if s.cfg.APIKey != "" {
		header.Set("Authorization", "Token "+s.cfg.APIKey)
	}
	conn, _, err := s.cfg.Dialer.DialContext(ctx, listenURL.String(), header)
	if err != nil {
		return fmt.Errorf("dialing transcription socket: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.lastWrite = time.Now()
	s.connMu.Unlock()

	go s.readLoop(conn)
	go s.keepAlive()
	return nil
}

// SendAudio pushes one raw audio frame.
func (s *SpeechSession) SendAudio(audio []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("transcription session not connected")
	}
	s.lastWrite = time.Now()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, audio); err != nil {
		return fmt.Errorf("writing audio frame: %w", err)
	}
	return nil
}

// WaitForTranscript blocks until the next finalized speech segment, ctx
// expiry, or session close.
func (s *SpeechSession) WaitForTranscript(ctx context.Context) (string, error) {
	select {
	case t := <-s.transcripts:
		return t, nil
	case <-s.done:
		// Drain anything finalized before the close landed.
		select {
		case t := <-s.transcripts:
			return t, nil
		default:
			return "", fmt.Errorf("transcription session closed")
		}
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close flushes the remote buffer and tears the connection down. Safe to call
// multiple times and from any exit path.
func (s *SpeechSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)

		s.connMu.Lock()
		conn := s.conn
		s.conn = nil
		s.connMu.Unlock()
		if conn == nil {
			return
		}

		if werr := conn.WriteJSON(struct {
			Type string `json:"type"`
		}{Type: string(api.TypeCloseStreamResponse)}); werr != nil {
			err = fmt.Errorf("closing transcription stream: %w", werr)
		}
		_ = conn.Close()
	})
	return err
}

func (s *SpeechSession) readLoop(conn *websocket.Conn) {
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					s.logger.Warn("transcription socket read failed", zap.Error(err))
				}
				_ = s.Close()
			}
			return
		}
		if msgType == websocket.BinaryMessage {
			continue
		}
		s.processMessage(msg)
	}
}

func (s *SpeechSession) processMessage(msg []byte) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg, &envelope); err != nil {
		s.logger.Warn("unparseable transcription message", zap.Error(err))
		return
	}

	switch api.TypeResponse(envelope.Type) {
	case api.TypeMessageResponse:
		var resp api.MessageResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			s.logger.Warn("unparseable transcription result", zap.Error(err))
			return
		}
		s.handleResult(&resp)

	case api.TypeUtteranceEndResponse:
		s.finalizeSegment()

	case api.TypeSpeechStartedResponse:
		if s.onSpeechStart != nil {
			s.onSpeechStart()
		}
	}
}

func (s *SpeechSession) handleResult(resp *api.MessageResponse) {
	if len(resp.Channel.Alternatives) == 0 {
		return
	}
	transcript := strings.TrimSpace(resp.Channel.Alternatives[0].Transcript)
	if transcript == "" {
		return
	}

	if !resp.IsFinal {
		if s.onPartial != nil {
			s.onPartial(transcript)
		}
		return
	}

	s.mu.Lock()
	s.accumulated = strings.TrimSpace(s.accumulated + " " + transcript)
	s.mu.Unlock()

	if resp.SpeechFinal {
		s.finalizeSegment()
	}
}

// finalizeSegment hands the accumulated segment to the waiter.
func (s *SpeechSession) finalizeSegment() {
	s.mu.Lock()
	segment := s.accumulated
	s.accumulated = ""
	s.mu.Unlock()

	if segment == "" {
		return
	}
	select {
	case s.transcripts <- segment:
	default:
		s.logger.Warn("transcript dropped: waiter backlog full",
			zap.String("transcript", segment))
	}
}

// keepAlive keeps the socket warm during audio gaps; the remote side times
// idle connections out after roughly ten seconds.
func (s *SpeechSession) keepAlive() {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.connMu.Lock()
			idle := time.Since(s.lastWrite) >= keepAliveInterval
			conn := s.conn
			if idle && conn != nil {
				if err := conn.WriteJSON(struct {
					Type string `json:"type"`
				}{Type: "KeepAlive"}); err != nil {
					s.logger.Warn("transcription keepalive failed", zap.Error(err))
				}
			}
			s.connMu.Unlock()
		}
	}
}
