package daemon

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"dcindex/internal/metrics"
	"dcindex/internal/network"
)

func newTestBot(t *testing.T) *Bot {
	t.Helper()
	b, err := New(Config{
		HubAddr:     "127.0.0.1:411",
		Nick:        "bot",
		Description: "<dcindex V:0.1>",
		Speed:       "1000",
		DataDir:     t.TempDir(),
	}, metrics.New())
	if err != nil {
		t.Fatalf("new bot: %v", err)
	}
	return b
}

func TestHandshakeEnqueuesValidateThenInfo(t *testing.T) {
	b := newTestBot(t)
	b.state = stateAwaitingValidation

	if err := b.handleHubMessage("$Lock ABC"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if len(b.queue) != 1 || b.queue[0] != "$ValidateNick bot|" {
		t.Fatalf("queue after lock = %q", b.queue)
	}
	b.queue = nil

	if err := b.handleHubMessage("$Hello bot"); err != nil {
		t.Fatalf("hello: %v", err)
	}
	if b.state != stateActive {
		t.Fatalf("state = %s, want active", b.state)
	}
	if len(b.queue) != 2 {
		t.Fatalf("queue after hello = %q", b.queue)
	}
	if !strings.HasPrefix(b.queue[0], "$MyINFO $ALL bot ") {
		t.Fatalf("first message = %q", b.queue[0])
	}
	if b.queue[1] != "$GetNickList|" {
		t.Fatalf("second message = %q", b.queue[1])
	}
}

func TestHelloForOtherUserRefreshesRosterOnly(t *testing.T) {
	b := newTestBot(t)
	b.state = stateActive
	if err := b.handleHubMessage("$Hello alice"); err != nil {
		t.Fatalf("hello: %v", err)
	}
	if len(b.queue) != 1 || b.queue[0] != "$GetNickList|" {
		t.Fatalf("queue = %q", b.queue)
	}
}

func TestValidateDenideIsFatal(t *testing.T) {
	b := newTestBot(t)
	b.state = stateAwaitingValidation
	if err := b.handleHubMessage("$ValidateDenide"); !errors.Is(err, ErrNickTaken) {
		t.Fatalf("expected ErrNickTaken, got %v", err)
	}
}

func TestScheduleRequestsOneConnection(t *testing.T) {
	b := newTestBot(t)
	b.state = stateActive
	b.advertise = "10.0.0.2:4111"
	b.roster = map[string]struct{}{"alice": {}, "bot": {}}

	now := time.Unix(5000, 0)
	b.scheduleLocked(now)
	if len(b.queue) != 1 || b.queue[0] != "$ConnectToMe alice 10.0.0.2:4111|" {
		t.Fatalf("queue = %q", b.queue)
	}
	rec := b.idx.Find("alice")
	if rec == nil || !rec.LastCheckInitiated.Equal(now) {
		t.Fatalf("lastCheckInitiated not set: %+v", rec)
	}

	// Within the failure cool-down nothing more is requested.
	b.queue = nil
	b.scheduleLocked(now.Add(time.Second))
	if len(b.queue) != 0 {
		t.Fatalf("queue during cool-down = %q", b.queue)
	}
}

func TestScheduleSkipsRecentAndConnected(t *testing.T) {
	b := newTestBot(t)
	b.state = stateActive
	b.advertise = "10.0.0.2:4111"
	b.roster = map[string]struct{}{"done": {}, "busy": {}, "due": {}}
	now := time.Unix(9000, 0)

	done := b.idx.Create("done")
	done.LastCheckCompleted = now.Add(-time.Minute)
	busy := b.idx.Create("busy")
	busy.Connected = true
	due := b.idx.Create("due")
	due.LastCheckCompleted = now.Add(-b.cfg.Recheck - time.Minute)

	b.scheduleLocked(now)
	if len(b.queue) != 1 || b.queue[0] != "$ConnectToMe due 10.0.0.2:4111|" {
		t.Fatalf("queue = %q", b.queue)
	}
}

func TestScheduleRespectsRateLimiter(t *testing.T) {
	b := newTestBot(t)
	b.state = stateActive
	b.advertise = "10.0.0.2:4111"
	b.limiter = network.NewRateLimiter(network.Window{Limit: 2, Period: time.Hour})
	b.roster = map[string]struct{}{"a": {}, "b": {}, "c": {}, "d": {}}

	b.scheduleLocked(time.Unix(7000, 0))
	if len(b.queue) != 2 {
		t.Fatalf("expected 2 brokered connections, got %q", b.queue)
	}
}

func TestPeerConnectedExclusive(t *testing.T) {
	b := newTestBot(t)
	b.idx.Create("alice")

	const attempts = 16
	var wg sync.WaitGroup
	results := make(chan bool, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- b.PeerConnected("alice") != nil
		}()
	}
	wg.Wait()
	close(results)
	won := 0
	for ok := range results {
		if ok {
			won++
		}
	}
	if won != 1 {
		t.Fatalf("%d sessions claimed alice, want exactly 1", won)
	}

	// Releasing the record makes it claimable again.
	b.PeerDisconnected(b.idx.Find("alice"), false)
	if b.PeerConnected("alice") == nil {
		t.Fatalf("record should be claimable after release")
	}
}

func TestPeerConnectedUnknownNick(t *testing.T) {
	b := newTestBot(t)
	if b.PeerConnected("stranger") != nil {
		t.Fatalf("unknown nick must not get a record")
	}
}

func readHubMsg(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	s, err := r.ReadString('|')
	if err != nil {
		t.Fatalf("hub read: %v", err)
	}
	return strings.TrimSuffix(s, "|")
}

func TestHubSessionEndToEnd(t *testing.T) {
	savedPoll := pollTimeout
	pollTimeout = 50 * time.Millisecond
	t.Cleanup(func() { pollTimeout = savedPoll })

	hub, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer hub.Close()

	b, err := New(Config{
		HubAddr:     hub.Addr().String(),
		Nick:        "bot",
		Description: "<dcindex V:0.1>",
		Speed:       "1000",
		DataDir:     t.TempDir(),
	}, metrics.New())
	if err != nil {
		t.Fatalf("new bot: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	sock, err := hub.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer sock.Close()
	sock.SetDeadline(time.Now().Add(5 * time.Second))
	r := bufio.NewReader(sock)

	sock.Write([]byte("$Lock ABC Pk=hub|"))
	if got := readHubMsg(t, r); got != "$ValidateNick bot" {
		t.Fatalf("after lock: %q", got)
	}
	sock.Write([]byte("$Hello bot|"))
	if got := readHubMsg(t, r); !strings.HasPrefix(got, "$MyINFO $ALL bot ") {
		t.Fatalf("after hello: %q", got)
	}
	if got := readHubMsg(t, r); got != "$GetNickList" {
		t.Fatalf("after myinfo: %q", got)
	}
	sock.Write([]byte("$NickList alice$$bot$$|"))
	got := readHubMsg(t, r)
	if !strings.HasPrefix(got, "$ConnectToMe alice ") {
		t.Fatalf("after nicklist: %q", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop")
	}
}

func TestHubSessionNickTakenFatal(t *testing.T) {
	savedPoll := pollTimeout
	pollTimeout = 50 * time.Millisecond
	t.Cleanup(func() { pollTimeout = savedPoll })

	hub, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer hub.Close()

	b, err := New(Config{
		HubAddr: hub.Addr().String(),
		Nick:    "bot",
		DataDir: t.TempDir(),
	}, metrics.New())
	if err != nil {
		t.Fatalf("new bot: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background()) }()

	sock, err := hub.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer sock.Close()
	sock.Write([]byte("$Lock ABC|$ValidateDenide|"))

	select {
	case err := <-done:
		if !errors.Is(err, ErrNickTaken) {
			t.Fatalf("run returned %v, want ErrNickTaken", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop on nick rejection")
	}
}
