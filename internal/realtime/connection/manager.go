package connection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"ridelink/internal/general/config"
	"ridelink/internal/general/contracts"
	"ridelink/internal/general/logger"
)

var (
	ErrNoTransport        = errors.New("connection: transport is required")
	ErrNoURL              = errors.New("connection: endpoint url is required")
	ErrAlreadyActive      = errors.New("connection: channel is already active")
	ErrReconnectExhausted = errors.New("connection: reconnect attempts exhausted")

	// ErrProtocol marks a transport failure caused by a protocol violation
	// rather than a plain close. Transports wrap their errors with it so the
	// manager can pass through the error state before reconnecting.
	ErrProtocol = errors.New("connection: protocol error")
)

// Conn is one open channel to the server. Implementations must make Send
// safe for concurrent use and must return from Receive with an error once
// the channel is closed.
type Conn interface {
	Send(msg contracts.ChannelMessage) error
	Receive() (contracts.ChannelMessage, error)
	Close() error
}

// Transport opens channels. The gorilla-based implementation lives in the
// transport package; tests plug in fakes.
type Transport interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Callbacks are the only way state changes are observed externally. All
// fields are optional.
type Callbacks struct {
	OnConnect      func()
	OnDisconnect   func()
	OnReconnecting func(attempt int)
	OnError        func(err error)
	OnMessage      func(msg contracts.ChannelMessage)
	OnStateChange  func(state State)
}

// Options configures a Manager.
type Options struct {
	URL       string
	Transport Transport
	Tuning    config.Realtime
	Logger    *logger.Logger
	Callbacks Callbacks
}

// Info is the point-in-time status snapshot surfaced to callers.
type Info struct {
	State            State
	QueuedMessages   int
	ReconnectAttempt int
}

// Manager owns exactly one logical channel per client session and keeps it
// alive across transient network loss. All lifecycle transitions run through
// a single mutex; the outbound queue has its own.
type Manager struct {
	opts   Options
	log    *logger.Logger
	queue  *outboundQueue
	logCtx context.Context

	// sendMu serializes direct transmits and queue drains so a failed send
	// requeued at the head can never be reordered by a concurrent sender
	sendMu sync.Mutex

	mu            sync.Mutex
	state         State
	conn          Conn
	gen           int // connection generation; stale read loops are ignored
	attempt       int
	manual        bool // explicit Disconnect; suppresses auto-reconnect
	heartbeatStop chan struct{}
}

// NewManager validates options and returns a Manager in the disconnected
// state. Invalid tuning fails fast here.
func NewManager(opts Options) (*Manager, error) {
	if opts.Transport == nil {
		return nil, ErrNoTransport
	}
	if strings.TrimSpace(opts.URL) == "" {
		return nil, ErrNoURL
	}
	if problems := opts.Tuning.Problems(); len(problems) > 0 {
		return nil, fmt.Errorf("connection: invalid tuning: %s", strings.Join(problems, "; "))
	}

	log := opts.Logger
	if log == nil {
		log = logger.New("connection-manager")
	}

	return &Manager{
		opts:   opts,
		log:    log,
		queue:  newOutboundQueue(),
		logCtx: context.Background(),
		state:  StateDisconnected,
	}, nil
}

// Connect opens the channel. On success the state is connected, the retry
// counter is reset, the heartbeat starts, and the queued-outbound buffer is
// drained in FIFO order. On failure the state is error and the error
// callback fires in addition to the returned error.
func (manager *Manager) Connect(ctx context.Context) error {
	manager.mu.Lock()
	switch manager.state {
	case StateConnected, StateConnecting, StateReconnecting:
		manager.mu.Unlock()
		return ErrAlreadyActive
	}
	manager.manual = false
	manager.logCtx = context.WithoutCancel(ctx)
	manager.setStateLocked(StateConnecting)
	manager.mu.Unlock()

	if err := manager.dialOnce(ctx); err != nil {
		manager.mu.Lock()
		manager.setStateLocked(StateError)
		manager.mu.Unlock()
		manager.onError(err)
		return err
	}
	return nil
}

// Send transmits immediately while connected; otherwise the message joins
// the outbound queue. Messages are never dropped silently.
func (manager *Manager) Send(msg contracts.ChannelMessage) {
	manager.mu.Lock()
	conn := manager.conn
	live := manager.state.Live()
	manager.mu.Unlock()

	manager.sendMu.Lock()
	defer manager.sendMu.Unlock()

	if live && conn != nil && manager.queue.Len() == 0 {
		if err := conn.Send(msg); err == nil {
			return
		}
		// transmit failed mid-stream: requeue at the head so the next drain
		// preserves submission order; the read loop notices the dead channel
		manager.queue.PushFront(msg)
		return
	}

	manager.queue.Push(msg)
}

// Disconnect stops the heartbeat, closes the channel, and settles in the
// disconnected state. No auto-reconnect follows.
func (manager *Manager) Disconnect() {
	manager.mu.Lock()
	manager.manual = true
	manager.gen++ // invalidate the running read loop
	manager.stopHeartbeatLocked()
	conn := manager.conn
	manager.conn = nil
	manager.attempt = 0
	changed := manager.state != StateDisconnected
	manager.setStateLocked(StateDisconnected)
	manager.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if changed {
		manager.onDisconnect()
	}
}

// Info returns a point-in-time snapshot of channel status.
func (manager *Manager) Info() Info {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	return Info{
		State:            manager.state,
		QueuedMessages:   manager.queue.Len(),
		ReconnectAttempt: manager.attempt,
	}
}

// State returns the current lifecycle state.
func (manager *Manager) State() State {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	return manager.state
}

// --- internals ---

// dialOnce opens one channel and installs it on success.
func (manager *Manager) dialOnce(ctx context.Context) error {
	conn, err := manager.opts.Transport.Dial(ctx, manager.opts.URL)
	if err != nil {
		return fmt.Errorf("connection: dial %s: %w", manager.opts.URL, err)
	}

	manager.mu.Lock()
	if manager.manual {
		// Disconnect raced the dial; drop the fresh channel
		manager.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	manager.gen++
	gen := manager.gen
	manager.conn = conn
	manager.attempt = 0
	stop := make(chan struct{})
	manager.heartbeatStop = stop
	manager.setStateLocked(StateConnected)
	manager.mu.Unlock()

	manager.log.Info(manager.logCtx, "channel_connected", "Realtime channel established", map[string]any{
		"endpoint": manager.opts.URL,
		"queued":   manager.queue.Len(),
	})

	manager.onConnect()
	go manager.heartbeatLoop(conn, stop)
	go manager.readLoop(conn, gen)
	manager.drainQueue(conn)

	return nil
}

// drainQueue flushes the outbound buffer strictly in submission order. It
// holds sendMu for the whole drain, so a direct send cannot overtake a
// message already popped but not yet transmitted.
func (manager *Manager) drainQueue(conn Conn) {
	manager.sendMu.Lock()
	defer manager.sendMu.Unlock()

	for {
		msg, ok := manager.queue.Pop()
		if !ok {
			return
		}
		if err := conn.Send(msg); err != nil {
			// put it back; the rest of the queue is still behind it
			manager.queue.PushFront(msg)
			manager.log.Error(manager.logCtx, "queue_drain_interrupted",
				"Outbound drain stopped on send failure", err,
				map[string]any{"remaining": manager.queue.Len()})
			return
		}
	}
}

// readLoop pumps inbound messages until the channel dies.
func (manager *Manager) readLoop(conn Conn, gen int) {
	for {
		msg, err := conn.Receive()
		if err != nil {
			manager.handleClose(gen, err)
			return
		}
		if msg.Type == contracts.TypeHeartbeat {
			continue
		}
		manager.onMessage(msg)
	}
}

// heartbeatLoop sends a ping on each tick while the channel is up. Absence
// of a reply is not tracked here; the channel's own close is the failure
// signal.
func (manager *Manager) heartbeatLoop(conn Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(manager.opts.Tuning.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.Send(contracts.Heartbeat()); err != nil {
				return
			}
		}
	}
}

// handleClose reacts to an unexpected channel close from the read loop.
func (manager *Manager) handleClose(gen int, cause error) {
	manager.mu.Lock()
	if gen != manager.gen {
		// a newer channel replaced this one, or Disconnect already ran
		manager.mu.Unlock()
		return
	}
	manager.stopHeartbeatLocked()
	manager.conn = nil

	if manager.manual {
		manager.setStateLocked(StateDisconnected)
		manager.mu.Unlock()
		manager.onDisconnect()
		return
	}

	protocol := errors.Is(cause, ErrProtocol)
	if protocol {
		manager.setStateLocked(StateError)
	} else {
		manager.setStateLocked(StateReconnecting)
	}
	manager.mu.Unlock()

	manager.log.Error(manager.logCtx, "channel_closed", "Realtime channel closed unexpectedly", cause, nil)
	manager.onDisconnect()
	if protocol {
		manager.onError(cause)
	}

	go manager.reconnectLoop(gen)
}

// reconnectLoop retries at a fixed interval up to the configured budget.
// Each attempt is surfaced through the reconnecting callback so a UI can
// show "reconnecting, attempt N".
func (manager *Manager) reconnectLoop(gen int) {
	interval := manager.opts.Tuning.ReconnectInterval()

	for attempt := 1; attempt <= manager.opts.Tuning.MaxReconnectAttempts; attempt++ {
		manager.mu.Lock()
		if manager.manual || gen != manager.gen {
			manager.mu.Unlock()
			return
		}
		manager.attempt = attempt
		manager.setStateLocked(StateReconnecting)
		manager.mu.Unlock()

		manager.onReconnecting(attempt)
		time.Sleep(interval)

		manager.mu.Lock()
		if manager.manual || gen != manager.gen {
			manager.mu.Unlock()
			return
		}
		manager.mu.Unlock()

		err := manager.dialOnce(context.Background())
		if err == nil {
			return
		}
		manager.log.Error(manager.logCtx, "reconnect_attempt_failed", "Reconnect attempt failed", err,
			map[string]any{"attempt": attempt})
	}

	// budget exhausted: settle disconnected until an explicit Connect
	manager.mu.Lock()
	if manager.manual || gen != manager.gen {
		manager.mu.Unlock()
		return
	}
	manager.attempt = 0
	manager.setStateLocked(StateDisconnected)
	manager.mu.Unlock()

	manager.onError(ErrReconnectExhausted)
}

func (manager *Manager) stopHeartbeatLocked() {
	if manager.heartbeatStop != nil {
		close(manager.heartbeatStop)
		manager.heartbeatStop = nil
	}
}

func (manager *Manager) setStateLocked(next State) {
	if manager.state == next {
		return
	}
	manager.state = next
	if cb := manager.opts.Callbacks.OnStateChange; cb != nil {
		// fired without the lock to keep callbacks free to call Info
		go cb(next)
	}
}

// nil-safe callback dispatch

func (manager *Manager) onConnect() {
	if cb := manager.opts.Callbacks.OnConnect; cb != nil {
		cb()
	}
}

func (manager *Manager) onDisconnect() {
	if cb := manager.opts.Callbacks.OnDisconnect; cb != nil {
		cb()
	}
}

func (manager *Manager) onReconnecting(attempt int) {
	if cb := manager.opts.Callbacks.OnReconnecting; cb != nil {
		cb(attempt)
	}
}

func (manager *Manager) onError(err error) {
	if cb := manager.opts.Callbacks.OnError; cb != nil {
		cb(err)
	}
}

func (manager *Manager) onMessage(msg contracts.ChannelMessage) {
	if cb := manager.opts.Callbacks.OnMessage; cb != nil {
		cb(msg)
	}
}
