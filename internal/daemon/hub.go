// Package daemon runs the long-lived agent: the hub session event loop and
// the per-peer download sessions it spawns.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"time"

	"dcindex/internal/debuglog"
	"dcindex/internal/index"
	"dcindex/internal/metrics"
	"dcindex/internal/network"
	"dcindex/internal/proto"
)

var (
	reconnectBackoff = 60 * time.Second
	pollTimeout      = time.Second
	dialTimeout      = 30 * time.Second
	sendTimeout      = 30 * time.Second
	snapshotInterval = 5 * time.Second
)

// ErrNickTaken is fatal: retrying a rejected nickname would loop forever,
// so the operator has to pick another one.
var ErrNickTaken = errors.New("nick already in use on the hub")

type Config struct {
	HubAddr     string
	ListenPort  int
	Nick        string
	Description string
	Speed       string
	Email       string
	DataDir     string

	// Cool-downs before re-checking a user whose previous check succeeded
	// or failed.
	Recheck        time.Duration
	RecheckFailure time.Duration

	// Connection-initiation caps; defaults are applied when empty.
	RateWindows []network.Window
}

func (c *Config) applyDefaults() {
	if c.Recheck <= 0 {
		c.Recheck = 6 * time.Hour
	}
	if c.RecheckFailure <= 0 {
		c.RecheckFailure = 5 * time.Minute
	}
	if len(c.RateWindows) == 0 {
		c.RateWindows = []network.Window{
			{Limit: 5, Period: 5 * time.Second},
			{Limit: 60, Period: 60 * time.Second},
		}
	}
}

type hubState int

const (
	stateDisconnected hubState = iota
	stateConnecting
	stateAwaitingValidation
	stateActive
)

func (s hubState) String() string {
	switch s {
	case stateDisconnected:
		return "disconnected"
	case stateConnecting:
		return "connecting"
	case stateAwaitingValidation:
		return "awaiting-validation"
	case stateActive:
		return "active"
	}
	return "unknown"
}

// Bot owns the hub link, the listener for brokered peer connections, and
// all shared mutable state. Peer sessions reach that state only through
// PeerConnected and PeerDisconnected; everything under mu is touched in
// short critical sections, never across network I/O.
type Bot struct {
	cfg     Config
	metrics *metrics.Metrics

	mu     sync.Mutex
	idx    *index.Index
	roster map[string]struct{}
	queue  []string

	limiter  *network.RateLimiter
	listener net.Listener
	conn     *network.Conn
	state    hubState

	// advertise is the ip:port peers are told to connect back to; set once
	// the hub link is up, since the local IP comes from that socket.
	advertise string

	sessions sync.WaitGroup
	now      func() time.Time
}

func New(cfg Config, m *metrics.Metrics) (*Bot, error) {
	cfg.applyDefaults()
	if cfg.Nick == "" {
		return nil, fmt.Errorf("missing nick")
	}
	if cfg.HubAddr == "" {
		return nil, fmt.Errorf("missing hub address")
	}
	idx, err := index.New(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if err := idx.Load(); err != nil {
		return nil, err
	}
	if m == nil {
		m = metrics.New()
	}
	return &Bot{
		cfg:     cfg,
		metrics: m,
		idx:     idx,
		roster:  make(map[string]struct{}),
		limiter: network.NewRateLimiter(cfg.RateWindows...),
		state:   stateDisconnected,
		now:     time.Now,
	}, nil
}

// Run connects to the hub and keeps the session alive until the context is
// cancelled. Hub disconnects are retried after a fixed backoff; only a
// rejected nickname terminates the loop.
func (b *Bot) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", b.cfg.ListenPort))
	if err != nil {
		return err
	}
	b.listener = listener
	defer listener.Close()
	go b.acceptLoop(ctx)
	go b.snapshotLoop(ctx)

	for {
		if ctx.Err() != nil {
			b.sessions.Wait()
			return nil
		}
		debuglog.Logf("hub: connecting to %s", b.cfg.HubAddr)
		b.setState(stateConnecting)
		conn, err := b.dialHub()
		if err != nil {
			b.setState(stateDisconnected)
			debuglog.Logf("hub: connect failed: %v, retrying in %s", err, reconnectBackoff)
			if !sleepCtx(ctx, reconnectBackoff) {
				b.sessions.Wait()
				return nil
			}
			continue
		}
		b.conn = conn
		b.setState(stateAwaitingValidation)
		err = b.hubLoop(ctx)
		b.conn.Close()
		b.conn = nil
		b.setState(stateDisconnected)
		if errors.Is(err, ErrNickTaken) {
			return err
		}
		if ctx.Err() != nil {
			b.sessions.Wait()
			return nil
		}
		b.metrics.IncHubReconnect()
		debuglog.Logf("hub: connection lost: %v, reconnecting in %s", err, reconnectBackoff)
		if !sleepCtx(ctx, reconnectBackoff) {
			b.sessions.Wait()
			return nil
		}
	}
}

func (b *Bot) dialHub() (*network.Conn, error) {
	sock, err := net.DialTimeout("tcp", b.cfg.HubAddr, dialTimeout)
	if err != nil {
		return nil, err
	}
	host, _, err := net.SplitHostPort(sock.LocalAddr().String())
	if err != nil {
		sock.Close()
		return nil, err
	}
	_, port, err := net.SplitHostPort(b.listener.Addr().String())
	if err != nil {
		sock.Close()
		return nil, err
	}
	b.mu.Lock()
	b.advertise = net.JoinHostPort(host, port)
	b.mu.Unlock()
	return network.NewConn(sock, "hub"), nil
}

// hubLoop is one connected hub session: wait up to pollTimeout for a hub
// message, handle at most one, then run a scheduling pass and flush the
// outbound queue.
func (b *Bot) hubLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		_ = b.conn.SetDeadline(b.now().Add(pollTimeout))
		raw, err := b.conn.ReadMessage()
		if err != nil {
			var nerr net.Error
			if !errors.As(err, &nerr) || !nerr.Timeout() {
				return err
			}
		} else if err := b.handleHubMessage(raw); err != nil {
			return err
		}

		b.mu.Lock()
		b.scheduleLocked(b.now())
		out := b.queue
		b.queue = nil
		b.mu.Unlock()

		if len(out) > 0 {
			_ = b.conn.SetDeadline(b.now().Add(sendTimeout))
			for _, msg := range out {
				if err := b.conn.Send(msg); err != nil {
					return err
				}
			}
		}
	}
}

func (b *Bot) handleHubMessage(raw string) error {
	b.metrics.IncHubMessage()
	msg, err := proto.Parse(raw)
	if err != nil {
		// A malformed hub line is logged and skipped; dropping the hub
		// link over it would turn one bad client into a reconnect storm.
		debuglog.Logf("hub: %v", err)
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	switch m := msg.(type) {
	case proto.Lock:
		if b.state == stateAwaitingValidation {
			b.queue = append(b.queue, proto.EncodeValidateNick(b.cfg.Nick))
		}
	case proto.HubName:
		debuglog.Logf("hub: name %q", m.Name)
	case proto.ValidateDenide:
		return ErrNickTaken
	case proto.Hello:
		if b.state == stateAwaitingValidation && m.Nick == b.cfg.Nick {
			b.state = stateActive
			debuglog.Logf("hub: state %s", b.state)
			b.queue = append(b.queue,
				proto.EncodeMyINFO(b.cfg.Nick, b.cfg.Description, b.cfg.Speed, b.cfg.Email))
		}
		b.queue = append(b.queue, proto.EncodeGetNickList())
	case proto.NickList:
		roster := make(map[string]struct{}, len(m.Nicks))
		for _, n := range m.Nicks {
			roster[n] = struct{}{}
		}
		b.roster = roster
		b.metrics.SetRosterSize(uint64(len(roster)))
	case proto.Unknown:
		debuglog.Debugf("hub: ignoring %s", m.Keyword)
	}
	return nil
}

// scheduleLocked decides, per roster member, whether to ask the hub to
// broker a reverse connection. Caller holds b.mu.
func (b *Bot) scheduleLocked(now time.Time) {
	if b.state != stateActive || b.advertise == "" {
		return
	}
	for user := range b.roster {
		b.checkUserLocked(user, now)
	}
}

func (b *Bot) checkUserLocked(user string, now time.Time) {
	if user == b.cfg.Nick {
		return
	}
	rec := b.idx.Find(user)
	if rec == nil {
		rec = b.idx.Create(user)
		if rec == nil {
			return
		}
	}
	if rec.Connected {
		return
	}
	if !rec.LastCheckCompleted.IsZero() && now.Sub(rec.LastCheckCompleted) < b.cfg.Recheck {
		return
	}
	if !rec.LastCheckInitiated.IsZero() && now.Sub(rec.LastCheckInitiated) < b.cfg.RecheckFailure {
		return
	}
	if !b.limiter.Register() {
		b.metrics.IncRateLimited()
		return
	}
	rec.LastCheckInitiated = now
	b.queue = append(b.queue, proto.EncodeConnectToMe(user, b.advertise))
	b.metrics.IncCheckRequested()
}

// PeerConnected registers a peer session for nick. It fails when the nick
// was never on the roster or already has a session in flight; exactly one
// session may hold a record at a time.
func (b *Bot) PeerConnected(nick string) *index.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.idx.Find(nick)
	if rec == nil || rec.Connected {
		return nil
	}
	rec.Connected = true
	return rec
}

// PeerDisconnected releases the in-flight flag and, on success, stamps the
// completion time and persists the index. Saves are idempotent, so a failed
// save is only logged and retried on the next success.
func (b *Bot) PeerDisconnected(rec *index.Record, success bool) {
	if rec == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	rec.Connected = false
	if !success {
		return
	}
	rec.LastCheckCompleted = b.now()
	if err := b.idx.Save(); err != nil {
		debuglog.Logf("index: save failed, will retry on next success: %v", err)
	}
}

// Nick is the identity advertised to hub and peers.
func (b *Bot) Nick() string {
	return b.cfg.Nick
}

func (b *Bot) acceptLoop(ctx context.Context) {
	for {
		sock, err := b.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			debuglog.Logf("listener: accept failed: %v", err)
			return
		}
		b.sessions.Add(1)
		go func() {
			defer b.sessions.Done()
			runPeerSession(b, b.metrics, sock)
		}()
	}
}

func (b *Bot) snapshotLoop(ctx context.Context) {
	path := filepath.Join(b.cfg.DataDir, "metrics.json")
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = b.metrics.WriteSnapshot(path)
		}
	}
}

func (b *Bot) setState(s hubState) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
	debuglog.Logf("hub: state %s", s)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
