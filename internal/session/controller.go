// ABOUTME: Client session controller binding one party's connection to one open conversation
// ABOUTME: Optimistic sends gated on a join acknowledgement, echo reconciliation and reconnect with rejoin

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/chat-gateway/internal/dedupe"
	"github.com/2389/chat-gateway/internal/store"
)

var (
	// ErrChannelDisconnected is returned when the connection dropped during a send.
	ErrChannelDisconnected = errors.New("realtime channel disconnected")

	// ErrJoinNotAcknowledged is returned when the room join was not acknowledged in time.
	ErrJoinNotAcknowledged = errors.New("join not acknowledged")

	// ErrNotOpen is returned by Send before a conversation is opened.
	ErrNotOpen = errors.New("no conversation is open")

	// ErrSendFailed is returned by Receipt.Wait once all delivery attempts failed.
	ErrSendFailed = errors.New("send failed")

	// ErrEmptyMessage is returned for a message without a body.
	ErrEmptyMessage = errors.New("message body is empty")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session closed")
)

// State is the connectivity of the session.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateClosed       State = "closed"
)

// Status of a rendered entry.
type Status string

const (
	StatusPending   Status = "pending"   // shown optimistically, not yet stored
	StatusConfirmed Status = "confirmed" // stored
	StatusFailed    Status = "failed"    // delivery attempts exhausted
)

// Entry is one rendered message of the view.
type Entry struct {
	Message *store.Message
	Status  Status
	Err     error
}

func (e *Entry) snapshot() Entry {
	return Entry{Message: e.Message.Clone(), Status: e.Status, Err: e.Err}
}

// UpdateKind tells what changed.
type UpdateKind string

const (
	UpdateState  UpdateKind = "state"
	UpdateOpened UpdateKind = "opened"
	UpdateEntry  UpdateKind = "entry"
)

// Update notifies a change of the session. Entry is set for UpdateEntry.
type Update struct {
	Kind  UpdateKind
	State State
	Entry *Entry
}

// Opened is the result of opening a conversation.
type Opened struct {
	Conversation *store.Conversation
	History      []*store.Message
}

// Config configures a Controller.
type Config struct {
	Party     string
	Dialer    Dialer
	Directory Directory
	Logger    *slog.Logger

	MaxSendAttempts int           // delivery attempts per message
	AttemptTimeout  time.Duration // per attempt, covers waiting for the join ack and the server ack
	MinBackoff      time.Duration
	MaxBackoff      time.Duration
	UpdateBuffer    int
	SeenWindow      time.Duration // how long stored message ids are remembered
}

func (cfg *Config) applyDefaults() {
	if cfg.MaxSendAttempts <= 0 {
		cfg.MaxSendAttempts = 5
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = 5 * time.Second
		if cfg.MaxBackoff < cfg.MinBackoff {
			cfg.MaxBackoff = cfg.MinBackoff
		}
	}
	if cfg.UpdateBuffer <= 0 {
		cfg.UpdateBuffer = 64
	}
	if cfg.SeenWindow <= 0 {
		cfg.SeenWindow = 24 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
}

// Controller runs one party's session: it keeps a connection up, keeps that
// connection joined to the open conversation and renders the conversation
// with exactly one entry per message.
type Controller struct {
	cfg     Config
	logger  *slog.Logger
	seen    *dedupe.Cache[struct{}]
	rejoin  chan struct{}
	updates chan Update

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	state       State
	conn        Conn
	conv        *store.Conversation
	entries     []*Entry          // ordered by message id
	unconfirmed map[string]*Entry // client id -> pending or failed entry
	outbox      []*outboxItem     // accepted sends not yet picked up, oldest first
	outboxReady chan struct{}
	joinAcked   bool              // conn is acknowledged in conv's room
	joinChanged chan struct{}     // closed and replaced whenever joinAcked changes
	needResync  bool              // history may be missing messages; refetch after the next join
	started     bool
	closing     bool // Close was called
	closed      bool // updates channel is closed
}

// New creates a session controller. Call Start to connect.
func New(cfg Config) (*Controller, error) {
	if strings.TrimSpace(cfg.Party) == "" {
		return nil, fmt.Errorf("session: party is required")
	}
	if cfg.Dialer == nil || cfg.Directory == nil {
		return nil, fmt.Errorf("session: dialer and directory are required")
	}
	cfg.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:         cfg,
		logger:      cfg.Logger.With("component", "session", "party", cfg.Party),
		seen:        dedupe.New[struct{}](cfg.SeenWindow, 100000),
		rejoin:      make(chan struct{}, 1),
		updates:     make(chan Update, cfg.UpdateBuffer),
		ctx:         ctx,
		cancel:      cancel,
		state:       StateIdle,
		unconfirmed: make(map[string]*Entry),
		outboxReady: make(chan struct{}, 1),
		joinChanged: make(chan struct{}),
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.drainOutbox()
	}()
	return c, nil
}

// Start dials in the background and keeps the connection up until ctx is
// cancelled or Close is called.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return ErrClosed
	}
	if c.started {
		return fmt.Errorf("session: already started")
	}
	c.started = true

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case <-ctx.Done():
			c.cancel()
		case <-c.ctx.Done():
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
	return nil
}

// Open resolves the conversation with peer, renders its history and joins
// its room, now if connected or on the next successful connect.
func (c *Controller) Open(ctx context.Context, peer string) (*Opened, error) {
	conv, history, err := c.cfg.Directory.Resolve(ctx, c.cfg.Party, peer)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.conv = conv.Clone()
	c.entries = make([]*Entry, 0, len(history))
	c.unconfirmed = make(map[string]*Entry)
	c.seen.Reset()
	for _, msg := range history {
		if c.seen.CheckAndMark(dedupe.MessageKey(conv.ID, msg.ID)) {
			continue
		}
		c.entries = append(c.entries, &Entry{Message: msg.Clone(), Status: StatusConfirmed})
	}
	// Messages stored between Resolve and the join reach neither the
	// history nor the room, so the first join always refetches
	c.needResync = true
	c.setJoinAckedLocked(false)
	connected := c.conn != nil
	c.emitLocked(Update{Kind: UpdateOpened, State: c.state})
	c.mu.Unlock()

	c.logger.Info("conversation opened", "conversation_id", conv.ID, "peer", peer, "history", len(history))

	if connected {
		c.requestRejoin()
	}

	out := &Opened{Conversation: conv.Clone(), History: make([]*store.Message, len(history))}
	for i, msg := range history {
		out.History[i] = msg.Clone()
	}
	return out, nil
}

// Leave stops viewing the open conversation.
func (c *Controller) Leave(ctx context.Context) error {
	c.mu.Lock()
	conv, conn := c.conv, c.conn
	c.conv = nil
	c.entries = nil
	c.unconfirmed = make(map[string]*Entry)
	c.setJoinAckedLocked(false)
	c.mu.Unlock()

	if conv == nil {
		return ErrNotOpen
	}
	if conn != nil {
		return conn.Leave(ctx, conv.ID)
	}
	return nil
}

// Send shows body in the view at once and delivers it in the background.
// Delivery waits for the room join, is retried across reconnects and on
// exhaustion the entry is marked failed. The returned Receipt reports the outcome.
func (c *Controller) Send(ctx context.Context, body string) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(body) == "" {
		return nil, ErrEmptyMessage
	}

	c.mu.Lock()
	if c.closing || c.ctx.Err() != nil {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.conv == nil {
		c.mu.Unlock()
		return nil, ErrNotOpen
	}

	now := time.Now()
	party := c.cfg.Party
	entry := &Entry{
		Message: &store.Message{
			ID:             now.UnixMilli(),
			ConversationID: c.conv.ID,
			SenderID:       party,
			ReceiverID:     c.conv.Peer(party),
			Body:           body,
			SentAt:         now,
			Origin:         c.conv.OriginOf(party),
			ClientID:       uuid.New().String(),
		},
		Status: StatusPending,
	}
	c.unconfirmed[entry.Message.ClientID] = entry
	c.insertLocked(entry)
	c.emitEntryLocked(entry)

	receipt := newReceipt(entry.Message.ClientID)
	c.outbox = append(c.outbox, &outboxItem{entry: entry, draft: entry.Message.Clone(), receipt: receipt})
	c.mu.Unlock()

	select {
	case c.outboxReady <- struct{}{}:
	default:
	}
	return receipt, nil
}

// outboxItem is a send waiting for delivery.
type outboxItem struct {
	entry   *Entry
	draft   *store.Message
	receipt *Receipt
}

// drainOutbox delivers sends one at a time in the order Send accepted them.
// The head is retried until it is stored or failed before the next one goes
// out, so the server stores one party's messages in send order.
func (c *Controller) drainOutbox() {
	for {
		item, ok := c.nextOutbox()
		if !ok {
			return
		}
		c.deliver(item.entry, item.draft, item.receipt)
	}
}

// nextOutbox pops the head of the outbox. After cancellation it keeps
// returning queued items so each receipt resolves, then reports false.
func (c *Controller) nextOutbox() (*outboxItem, bool) {
	for {
		c.mu.Lock()
		if len(c.outbox) > 0 {
			item := c.outbox[0]
			c.outbox[0] = nil
			c.outbox = c.outbox[1:]
			c.mu.Unlock()
			return item, true
		}
		c.mu.Unlock()

		select {
		case <-c.outboxReady:
		case <-c.ctx.Done():
			c.mu.Lock()
			empty := len(c.outbox) == 0
			c.mu.Unlock()
			if empty {
				return nil, false
			}
		}
	}
}

func (c *Controller) deliver(entry *Entry, draft *store.Message, receipt *Receipt) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxSendAttempts; attempt++ {
		if stored, ok := c.confirmedMessage(entry); ok {
			receipt.resolve(stored, nil)
			return
		}

		stored, err := c.attempt(draft)
		if err == nil {
			c.confirm(draft.ClientID, entry, stored)
			receipt.resolve(stored.Clone(), nil)
			return
		}
		lastErr = err
		if c.ctx.Err() != nil {
			break
		}

		c.logger.Debug("send attempt failed",
			"client_id", draft.ClientID,
			"attempt", attempt,
			"error", err)
		if attempt < c.cfg.MaxSendAttempts && !sleepWithContext(c.ctx, c.backoff(attempt)) {
			break
		}
	}

	// Echo or resync may have confirmed it during the last attempt
	if stored, ok := c.confirmedMessage(entry); ok {
		receipt.resolve(stored, nil)
		return
	}

	c.mu.Lock()
	entry.Status = StatusFailed
	entry.Err = lastErr
	c.emitEntryLocked(entry)
	c.mu.Unlock()

	c.logger.Warn("send failed", "client_id", draft.ClientID, "error", lastErr)
	receipt.resolve(nil, fmt.Errorf("%w: %w", ErrSendFailed, lastErr))
}

func (c *Controller) confirmedMessage(entry *Entry) (*store.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry.Status != StatusConfirmed {
		return nil, false
	}
	return entry.Message.Clone(), true
}

// attempt waits for the join acknowledgement and sends draft once.
func (c *Controller) attempt(draft *store.Message) (*store.Message, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.AttemptTimeout)
	defer cancel()

	conn, err := c.awaitJoin(ctx)
	if err != nil {
		return nil, err
	}

	stored, err := conn.Send(ctx, draft)
	if err != nil {
		select {
		case <-conn.Done():
			return nil, fmt.Errorf("%w: %w", ErrChannelDisconnected, err)
		default:
			return nil, err
		}
	}
	return stored, nil
}

// awaitJoin blocks until the current connection is acknowledged in the room.
func (c *Controller) awaitJoin(ctx context.Context) (Conn, error) {
	for {
		c.mu.Lock()
		if c.closing {
			c.mu.Unlock()
			return nil, ErrClosed
		}
		if c.joinAcked && c.conn != nil {
			conn := c.conn
			c.mu.Unlock()
			return conn, nil
		}
		changed := c.joinChanged
		c.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrJoinNotAcknowledged, ctx.Err())
		}
	}
}

// confirm reconciles the pending entry of clientID with its stored record.
func (c *Controller) confirm(clientID string, entry *Entry, stored *store.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry.Status == StatusConfirmed {
		return
	}
	if c.conv == nil || c.conv.ID != stored.ConversationID {
		// Another conversation was opened meanwhile
		entry.Message = stored.Clone()
		entry.Status = StatusConfirmed
		return
	}
	c.confirmLocked(clientID, entry, stored)
}

func (c *Controller) confirmLocked(clientID string, entry *Entry, stored *store.Message) {
	delete(c.unconfirmed, clientID)
	c.seen.Mark(dedupe.MessageKey(stored.ConversationID, stored.ID))
	entry.Message = stored.Clone()
	entry.Status = StatusConfirmed
	entry.Err = nil
	c.sortLocked()
	c.emitEntryLocked(entry)
}

// run keeps a connection up until the controller is closed.
func (c *Controller) run() {
	failures := 0
	for c.ctx.Err() == nil {
		c.setState(StateConnecting)
		conn, err := c.cfg.Dialer.Dial(c.ctx)
		if err != nil {
			failures++
			c.setState(StateDisconnected)
			c.logger.Warn("dial failed", "error", err, "attempt", failures)
			if !sleepWithContext(c.ctx, c.backoff(failures)) {
				return
			}
			continue
		}
		failures = 0

		c.mu.Lock()
		if c.closing {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.conn = conn
		c.state = StateConnected
		c.emitLocked(Update{Kind: UpdateState, State: StateConnected})
		c.mu.Unlock()
		c.logger.Info("connected")

		c.serve(conn)
		_ = conn.Close()

		c.mu.Lock()
		c.conn = nil
		c.setJoinAckedLocked(false)
		c.needResync = true
		if !c.closing {
			c.state = StateDisconnected
			c.emitLocked(Update{Kind: UpdateState, State: StateDisconnected})
		}
		c.mu.Unlock()
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Warn("disconnected, reconnecting")

		failures++
		if !sleepWithContext(c.ctx, c.backoff(failures)) {
			return
		}
	}
}

// serve pumps one connection until it ends.
func (c *Controller) serve(conn Conn) {
	c.syncRoom(conn)

	incoming := conn.Incoming()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.rejoin:
			c.syncRoom(conn)
		case msg, ok := <-incoming:
			if !ok {
				return
			}
			c.receive(msg)
		}
	}
}

func (c *Controller) requestRejoin() {
	select {
	case c.rejoin <- struct{}{}:
	default:
	}
}

// syncRoom joins conn to the open conversation, merges history missed while
// disconnected, then acknowledges the join so deferred sends proceed.
func (c *Controller) syncRoom(conn Conn) {
	c.mu.Lock()
	if c.conv == nil || c.conn != conn {
		c.mu.Unlock()
		return
	}
	convID := c.conv.ID
	resync := c.needResync
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.AttemptTimeout)
	defer cancel()

	if err := conn.Join(ctx, convID); err != nil {
		c.logger.Warn("join failed, reconnecting", "conversation_id", convID, "error", err)
		// Ends this connection; run redials and joins again
		_ = conn.Close()
		return
	}

	if resync {
		c.resync(ctx, convID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn && c.conv != nil && c.conv.ID == convID {
		c.setJoinAckedLocked(true)
		c.logger.Debug("joined", "conversation_id", convID)
	}
}

func (c *Controller) resync(ctx context.Context, convID string) {
	history, err := c.cfg.Directory.History(ctx, convID)
	if err != nil {
		c.logger.Warn("history resync failed", "conversation_id", convID, "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conv == nil || c.conv.ID != convID {
		return
	}
	merged := 0
	for _, msg := range history {
		if c.mergeLocked(msg) {
			merged++
		}
	}
	c.needResync = false
	c.logger.Debug("history resynced", "conversation_id", convID, "merged", merged)
}

// receive handles a live message.
func (c *Controller) receive(msg *store.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conv == nil || msg.ConversationID != c.conv.ID {
		c.logger.Debug("ignoring message for another conversation", "conversation_id", msg.ConversationID)
		return
	}
	c.mergeLocked(msg)
}

// mergeLocked adds a stored message to the view unless it is already shown.
// An own echo reconciles its pending entry instead of adding a second one.
func (c *Controller) mergeLocked(msg *store.Message) bool {
	if msg.SenderID == c.cfg.Party && msg.Origin != store.OriginAssistant && msg.ClientID != "" {
		if entry, ok := c.unconfirmed[msg.ClientID]; ok {
			c.confirmLocked(msg.ClientID, entry, msg)
			return true
		}
	}

	if c.seen.CheckAndMark(dedupe.MessageKey(msg.ConversationID, msg.ID)) {
		return false
	}
	entry := &Entry{Message: msg.Clone(), Status: StatusConfirmed}
	c.insertLocked(entry)
	c.emitEntryLocked(entry)
	return true
}

func (c *Controller) insertLocked(entry *Entry) {
	i := sort.Search(len(c.entries), func(i int) bool {
		return c.entries[i].Message.ID > entry.Message.ID
	})
	c.entries = append(c.entries, nil)
	copy(c.entries[i+1:], c.entries[i:])
	c.entries[i] = entry
}

func (c *Controller) sortLocked() {
	sort.SliceStable(c.entries, func(i, j int) bool {
		return c.entries[i].Message.ID < c.entries[j].Message.ID
	})
}

func (c *Controller) setJoinAckedLocked(acked bool) {
	if c.joinAcked == acked {
		return
	}
	c.joinAcked = acked
	close(c.joinChanged)
	c.joinChanged = make(chan struct{})
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing || c.state == s {
		return
	}
	c.state = s
	c.emitLocked(Update{Kind: UpdateState, State: s})
}

func (c *Controller) emitEntryLocked(entry *Entry) {
	snap := entry.snapshot()
	c.emitLocked(Update{Kind: UpdateEntry, State: c.state, Entry: &snap})
}

// emitLocked never blocks; a consumer that falls behind reads View instead.
func (c *Controller) emitLocked(u Update) {
	if c.closed {
		return
	}
	select {
	case c.updates <- u:
	default:
	}
}

// View returns a snapshot of the rendered conversation, oldest first.
func (c *Controller) View() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Entry, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.snapshot()
	}
	return out
}

// State returns the connectivity state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Ready reports whether sends can go out now: connected and acknowledged
// in the open conversation's room.
func (c *Controller) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joinAcked && c.conn != nil
}

// Conversation returns the open conversation, or nil.
func (c *Controller) Conversation() *store.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conv == nil {
		return nil
	}
	return c.conv.Clone()
}

// SetMode records a mode change of the open conversation made elsewhere.
func (c *Controller) SetMode(mode store.Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conv != nil {
		c.conv.Mode = mode
	}
}

// Updates returns the change notification channel. It is closed by Close.
func (c *Controller) Updates() <-chan Update {
	return c.updates
}

// Close disconnects, fails sends still in flight and waits for background work.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	conn := c.conn
	c.state = StateClosed
	c.setJoinAckedLocked(false)
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		_ = conn.Close()
	}
	c.wg.Wait()

	c.mu.Lock()
	c.closed = true
	close(c.updates)
	c.mu.Unlock()

	c.seen.Close()
	c.logger.Info("session closed")
	return nil
}

func (c *Controller) backoff(attempt int) time.Duration {
	d := c.cfg.MinBackoff
	for i := 1; i < attempt && d < c.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > c.cfg.MaxBackoff {
		d = c.cfg.MaxBackoff
	}
	return d
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Receipt reports the outcome of one Send.
type Receipt struct {
	ClientID string

	done chan struct{}
	msg  *store.Message
	err  error
}

func newReceipt(clientID string) *Receipt {
	return &Receipt{ClientID: clientID, done: make(chan struct{})}
}

func (r *Receipt) resolve(msg *store.Message, err error) {
	r.msg = msg
	r.err = err
	close(r.done)
}

// Done is closed once the outcome is known.
func (r *Receipt) Done() <-chan struct{} {
	return r.done
}

// Wait returns the stored message, or an error wrapping ErrSendFailed.
func (r *Receipt) Wait(ctx context.Context) (*store.Message, error) {
	select {
	case <-r.done:
		return r.msg.Clone(), r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
