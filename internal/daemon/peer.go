package daemon

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"dcindex/internal/debuglog"
	"dcindex/internal/index"
	"dcindex/internal/metrics"
	"dcindex/internal/network"
	"dcindex/internal/proto"
)

var peerIdleTimeout = 60 * time.Second

// sessionOwner is the only surface a peer session sees of the bot: the two
// guarded entry points plus the advertised nick. Raw access to the index or
// roster is deliberately not available here.
type sessionOwner interface {
	PeerConnected(nick string) *index.Record
	PeerDisconnected(rec *index.Record, success bool)
	Nick() string
}

type sessionState int

const (
	sessionGreeting sessionState = iota
	sessionNickExchanged
	sessionLockReceived
	sessionDirectionNegotiated
	sessionTransferring
	sessionCompleted
	sessionFailed
)

func (s sessionState) String() string {
	switch s {
	case sessionGreeting:
		return "greeting"
	case sessionNickExchanged:
		return "nick-exchanged"
	case sessionLockReceived:
		return "lock-received"
	case sessionDirectionNegotiated:
		return "direction-negotiated"
	case sessionTransferring:
		return "transferring"
	case sessionCompleted:
		return "completed"
	case sessionFailed:
		return "failed"
	}
	return "unknown"
}

// peerSession downloads one listing file over one accepted connection. It
// talks to other goroutines only through its owner.
type peerSession struct {
	conn     *network.Conn
	owner    sessionOwner
	state    sessionState
	peerLock string
	rec      *index.Record
	bytes    uint64
}

// runPeerSession drives a session to completion and unconditionally reports
// the outcome back, so the in-flight flag is always released.
func runPeerSession(owner sessionOwner, m *metrics.Metrics, sock net.Conn) {
	s := &peerSession{
		conn:  network.NewConn(sock, sock.RemoteAddr().String()),
		owner: owner,
		state: sessionGreeting,
	}
	m.SessionStarted()
	success, err := s.run()
	if err != nil {
		who := sock.RemoteAddr().String()
		if s.rec != nil {
			who = s.rec.Username
		}
		debuglog.Logf("peer %s: session failed in state %s: %v", who, s.state, err)
	}
	if success {
		s.transition(sessionCompleted)
	} else {
		s.transition(sessionFailed)
	}
	m.SessionFinished(success, s.bytes)
	owner.PeerDisconnected(s.rec, success)
	s.conn.Close()
}

func (s *peerSession) transition(next sessionState) {
	debuglog.Debugf("peer session %s: %s -> %s", s.conn.RemoteAddr(), s.state, next)
	s.state = next
}

func (s *peerSession) run() (bool, error) {
	debuglog.Logf("incoming connection from %s", s.conn.RemoteAddr())
	s.conn.SetIdleTimeout(peerIdleTimeout)
	if err := s.conn.Send(proto.EncodePeerGreeting(s.owner.Nick())); err != nil {
		return false, err
	}
	for {
		raw, err := s.conn.ReadMessage()
		if err != nil {
			return false, err
		}
		msg, err := proto.Parse(raw)
		if err != nil {
			return false, err
		}
		switch m := msg.(type) {
		case proto.MyNick:
			s.rec = s.owner.PeerConnected(m.Nick)
			if s.rec == nil {
				debuglog.Logf("peer %s: unknown or already in flight, dropping", m.Nick)
				return false, nil
			}
			s.transition(sessionNickExchanged)
		case proto.Lock:
			s.peerLock = m.Challenge
			s.transition(sessionLockReceived)
		case proto.Supports:
			// Only ADCGet/XmlBZList matter and we offered those ourselves.
		case proto.Direction:
			if s.peerLock == "" {
				return false, &proto.ViolationError{Keyword: "$Direction", Reason: "no lock received"}
			}
			reply := proto.EncodeDirectionKey(m.Level+42, proto.DeriveKey([]byte(s.peerLock)))
			if err := s.conn.Send(reply); err != nil {
				return false, err
			}
			if err := s.conn.Send(proto.EncodeListingRequest()); err != nil {
				return false, err
			}
			s.transition(sessionDirectionNegotiated)
		case proto.ADCSend:
			if s.rec == nil {
				return false, &proto.ViolationError{Keyword: "$ADCSND", Reason: "transfer before nick exchange"}
			}
			if m.Kind != "file" || m.Path != proto.ListingName || m.Offset != 0 {
				return false, &proto.ViolationError{
					Keyword: "$ADCSND",
					Reason:  fmt.Sprintf("unexpected offer %s %s %d", m.Kind, m.Path, m.Offset),
				}
			}
			s.transition(sessionTransferring)
			if err := s.download(m.Length); err != nil {
				return false, err
			}
			s.bytes = uint64(m.Length)
			debuglog.Logf("peer %s: downloaded listing, %d bytes", s.rec.Username, m.Length)
			return true, nil
		case proto.MaxedOut:
			debuglog.Logf("peer session %s: maxed out", s.conn.RemoteAddr())
			return false, nil
		case proto.PeerError:
			debuglog.Logf("peer session %s: remote error: %s", s.conn.RemoteAddr(), m.Text)
			return false, nil
		case proto.Unknown:
			debuglog.Debugf("peer session %s: ignoring %s", s.conn.RemoteAddr(), m.Keyword)
		}
	}
}

// download reads exactly length bytes into the record's temp path and
// renames it over the final path, so readers of the storage directory only
// ever see complete listings.
func (s *peerSession) download(length int64) error {
	f, err := os.OpenFile(s.rec.TempPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if err := s.conn.ReadExact(length, f); err != nil {
		_ = f.Close()
		_ = os.Remove(s.rec.TempPath)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(s.rec.TempPath, s.rec.FinalPath); err != nil {
		return err
	}
	syncDir(s.rec.FinalPath)
	return nil
}

func syncDir(path string) {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return
	}
	defer dir.Close()
	_ = dir.Sync()
}
