package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"trackchat/models"
)

// DefaultFetchTimeout bounds the one-time history fetch.
const DefaultFetchTimeout = 30 * time.Second

// State is the lifecycle state of a conversation session.
type State string

const (
	StateLoading     State = "loading"
	StateReady       State = "ready"
	StateNoHistory   State = "no_history"
	StateFetchFailed State = "fetch_failed"
	StateClosed      State = "closed"
)

// HistorySource loads the conversation snapshot. Implementations return an
// error matching ErrNoHistory when the backend has no chat for the pair.
type HistorySource interface {
	FetchHistory(ctx context.Context, userID, coworkerID string) (models.Snapshot, error)
}

// Transport is the live message connection of the local user.
type Transport interface {
	Subscribe() (<-chan models.LiveEvent, func())
	SendMessage(ctx context.Context, message models.OutboundMessage) error
}

// Recorder receives every message a session adds to its view.
type Recorder interface {
	RecordMessages(ownerID, peerID string, messages []models.DisplayMessage) error
}

// NoticeKind classifies transient user notifications.
type NoticeKind string

const (
	NoticeEmptyMessage    NoticeKind = "empty_message"
	NoticeMissingIdentity NoticeKind = "missing_identity"
	NoticeSendFailed      NoticeKind = "send_failed"
)

// Notice is a fire-and-forget message for the user.
type Notice struct {
	Kind NoticeKind
	Text string
}

// Notifier shows transient notices.
type Notifier interface {
	Notify(Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

// Notify calls f(notice).
func (f NotifierFunc) Notify(notice Notice) {
	f(notice)
}

// Render is one published state of the session.
type Render struct {
	State    State
	Messages []models.DisplayMessage
	Err      error
}

// Options configures a conversation session.
type Options struct {
	// LocalUserID may be empty when the identity is not yet known; the
	// session then skips the history fetch and rejects sends.
	LocalUserID string
	PeerUserID  string

	History   HistorySource
	Transport Transport
	Notifier  Notifier
	Recorder  Recorder

	FetchTimeout time.Duration
	Logger       *log.Logger
	Debug        bool
}

type historyResult struct {
	snapshot models.Snapshot
	err      error
}

// Session owns the sent/received lists of one open conversation. All list
// mutations happen on the session's loop goroutine.
type Session struct {
	opts   Options
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// loop-owned
	historyApplied bool

	mu       sync.RWMutex
	received []models.Message
	sent     []models.Message
	view     []models.DisplayMessage
	state    State
	err      error

	updates chan Render

	// archive writes run on their own goroutine so a slow Recorder never
	// stalls the loop.
	archiveMu      sync.Mutex
	archivePending []models.DisplayMessage
	archiveWake    chan struct{}
	archiveDone    chan struct{}
}

// Open subscribes to the transport, starts the history fetch and returns the
// running session. The session ends on Close or when ctx is canceled.
func Open(ctx context.Context, options Options) (*Session, error) {
	if strings.TrimSpace(options.PeerUserID) == "" {
		return nil, errors.New("chat: peer user ID is required")
	}
	if options.History == nil {
		return nil, errors.New("chat: history source is required")
	}
	if options.Transport == nil {
		return nil, errors.New("chat: transport is required")
	}
	if options.FetchTimeout <= 0 {
		options.FetchTimeout = DefaultFetchTimeout
	}
	logger := options.Logger
	if logger == nil {
		logger = log.Default()
	}

	s := &Session{
		opts:    options,
		logger:  logger,
		state:   StateLoading,
		view:    []models.DisplayMessage{},
		updates: make(chan Render, 1),

		archiveWake: make(chan struct{}, 1),
		archiveDone: make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	events, unsubscribe := options.Transport.Subscribe()

	history := make(chan historyResult, 1)
	if options.LocalUserID != "" {
		go s.fetchHistory(history)
	}

	if options.Recorder != nil {
		s.wg.Add(1)
		go s.archiveLoop()
	}

	s.wg.Add(1)
	go s.loop(events, unsubscribe, history)

	return s, nil
}

// Close ends the session and releases the live subscription. Safe to call
// more than once.
func (s *Session) Close() {
	s.cancel()
	s.wg.Wait()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Err returns the blocking fetch error when State is StateFetchFailed.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// View returns the current merged display sequence.
func (s *Session) View() []models.DisplayMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.DisplayMessage, len(s.view))
	copy(out, s.view)
	return out
}

// Updates delivers the latest render after every change. Intermediate renders
// may be skipped; the channel is closed when the session ends.
func (s *Session) Updates() <-chan Render {
	return s.updates
}

// Send validates text and hands it to the transport. The message is not
// appended locally; it shows up once the backend echoes it on the live feed.
func (s *Session) Send(ctx context.Context, text string) error {
	if s.ctx.Err() != nil {
		return ErrSessionClosed
	}

	content := strings.TrimSpace(text)
	if content == "" {
		s.notify(NoticeEmptyMessage, "Message is empty")
		return ErrEmptyMessage
	}
	if s.opts.LocalUserID == "" {
		s.notify(NoticeMissingIdentity, "User ID not available")
		return ErrMissingIdentity
	}

	err := s.opts.Transport.SendMessage(ctx, models.OutboundMessage{
		SenderID:    s.opts.LocalUserID,
		ReceiverID:  s.opts.PeerUserID,
		MessageText: content,
	})
	if err != nil {
		s.notify(NoticeSendFailed, fmt.Sprintf("Send message failed: %v", err))
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (s *Session) fetchHistory(out chan<- historyResult) {
	fetchCtx, cancel := context.WithTimeout(s.ctx, s.opts.FetchTimeout)
	defer cancel()

	snapshot, err := s.opts.History.FetchHistory(fetchCtx, s.opts.LocalUserID, s.opts.PeerUserID)
	out <- historyResult{snapshot: snapshot, err: err}
}

func (s *Session) loop(events <-chan models.LiveEvent, unsubscribe func(), history <-chan historyResult) {
	defer s.wg.Done()
	defer func() {
		unsubscribe()
		close(s.archiveDone)
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		s.publish()
		close(s.updates)
	}()

	s.publish()

	for {
		select {
		case <-s.ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				s.logger.Printf("chat: live feed closed peer=%s", s.opts.PeerUserID)
				return
			}
			s.handleEvent(event)
		case result := <-history:
			history = nil
			s.applyHistory(result)
		}
	}
}

func (s *Session) handleEvent(event models.LiveEvent) {
	message, ok := Classify(s.opts.LocalUserID, event)
	if !ok {
		if s.opts.Debug {
			s.logger.Printf("chat: dropped live event sender=%s receiver=%s", event.SenderID, event.ReceiverID)
		}
		return
	}

	s.mu.Lock()
	if message.Direction == models.DirectionSent {
		s.sent = append(s.sent, message.Message)
	} else {
		s.received = append(s.received, message.Message)
	}
	s.view = Merge(s.received, s.sent)
	s.mu.Unlock()

	s.record([]models.DisplayMessage{message})
	s.publish()
}

// applyHistory performs the one-time bulk replace. Live messages appended
// before the snapshot arrived are kept after the snapshot entries.
func (s *Session) applyHistory(result historyResult) {
	if s.historyApplied {
		return
	}
	s.historyApplied = true

	if result.err != nil && errors.Is(result.err, context.Canceled) && s.ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	var added []models.DisplayMessage
	switch {
	case result.err == nil:
		s.received = concat(result.snapshot.Received, s.received)
		s.sent = concat(result.snapshot.Sent, s.sent)
		s.state = StateReady
		added = Merge(result.snapshot.Received, result.snapshot.Sent)
	case errors.Is(result.err, ErrNoHistory):
		s.state = StateNoHistory
	default:
		s.state = StateFetchFailed
		s.err = fmt.Errorf("%w: %w", ErrFetchFailed, result.err)
	}
	s.view = Merge(s.received, s.sent)
	state, fetchErr := s.state, s.err
	s.mu.Unlock()

	switch state {
	case StateFetchFailed:
		s.logger.Printf("chat: history fetch failed peer=%s err=%v", s.opts.PeerUserID, fetchErr)
	case StateNoHistory:
		s.logger.Printf("chat: no history peer=%s", s.opts.PeerUserID)
	}

	if len(added) > 0 {
		s.record(added)
	}
	s.publish()
}

// record queues messages for the archive goroutine.
func (s *Session) record(messages []models.DisplayMessage) {
	if s.opts.Recorder == nil {
		return
	}
	s.archiveMu.Lock()
	s.archivePending = append(s.archivePending, messages...)
	s.archiveMu.Unlock()

	select {
	case s.archiveWake <- struct{}{}:
	default:
	}
}

// archiveLoop writes queued messages in batches. Pending messages are flushed
// before it exits.
func (s *Session) archiveLoop() {
	defer s.wg.Done()

	for {
		if s.flushArchive() {
			continue
		}
		select {
		case <-s.archiveWake:
		case <-s.archiveDone:
			s.flushArchive()
			return
		}
	}
}

func (s *Session) flushArchive() bool {
	s.archiveMu.Lock()
	batch := s.archivePending
	s.archivePending = nil
	s.archiveMu.Unlock()

	if len(batch) == 0 {
		return false
	}
	if err := s.opts.Recorder.RecordMessages(s.opts.LocalUserID, s.opts.PeerUserID, batch); err != nil {
		s.logger.Printf("chat: archive write failed peer=%s count=%d err=%v", s.opts.PeerUserID, len(batch), err)
	}
	return true
}

func (s *Session) notify(kind NoticeKind, text string) {
	if s.opts.Notifier == nil {
		return
	}
	s.opts.Notifier.Notify(Notice{Kind: kind, Text: text})
}

// publish offers the latest render without blocking the loop.
func (s *Session) publish() {
	s.mu.RLock()
	render := Render{
		State:    s.state,
		Messages: append([]models.DisplayMessage(nil), s.view...),
		Err:      s.err,
	}
	s.mu.RUnlock()

	select {
	case s.updates <- render:
		return
	default:
	}
	select {
	case <-s.updates:
	default:
	}
	select {
	case s.updates <- render:
	default:
	}
}

func concat(head, tail []models.Message) []models.Message {
	out := make([]models.Message, 0, len(head)+len(tail))
	out = append(out, head...)
	return append(out, tail...)
}
