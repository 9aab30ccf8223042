package metrics

import (
	"encoding/json"
	"os"
	"sync/atomic"
	"time"
)

type Snapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Hub         HubMetrics     `json:"hub"`
	Session     SessionMetrics `json:"session"`
}

type HubMetrics struct {
	Messages        uint64 `json:"messages"`
	Reconnects      uint64 `json:"reconnects"`
	ChecksRequested uint64 `json:"checks_requested"`
	RateLimited     uint64 `json:"rate_limited"`
	RosterSize      uint64 `json:"roster_size"`
}

type SessionMetrics struct {
	Active          uint64 `json:"active"`
	Started         uint64 `json:"started"`
	Succeeded       uint64 `json:"succeeded"`
	Failed          uint64 `json:"failed"`
	BytesDownloaded uint64 `json:"bytes_downloaded"`
}

// Metrics aggregates peer-session health across goroutines so the process
// can report more than per-session logs.
type Metrics struct {
	hubMessages     atomic.Uint64
	hubReconnects   atomic.Uint64
	checksRequested atomic.Uint64
	rateLimited     atomic.Uint64
	rosterSize      atomic.Uint64

	sessionsActive  atomic.Int64
	sessionsStarted atomic.Uint64
	sessionsOK      atomic.Uint64
	sessionsFailed  atomic.Uint64
	bytesDownloaded atomic.Uint64
}

func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncHubMessage()     { m.hubMessages.Add(1) }
func (m *Metrics) IncHubReconnect()   { m.hubReconnects.Add(1) }
func (m *Metrics) IncCheckRequested() { m.checksRequested.Add(1) }
func (m *Metrics) IncRateLimited()    { m.rateLimited.Add(1) }

func (m *Metrics) SetRosterSize(n uint64) { m.rosterSize.Store(n) }

func (m *Metrics) SessionStarted() {
	m.sessionsStarted.Add(1)
	m.sessionsActive.Add(1)
}

func (m *Metrics) SessionFinished(success bool, bytes uint64) {
	m.sessionsActive.Add(-1)
	if success {
		m.sessionsOK.Add(1)
		m.bytesDownloaded.Add(bytes)
	} else {
		m.sessionsFailed.Add(1)
	}
}

func (m *Metrics) ActiveSessions() int64 {
	return m.sessionsActive.Load()
}

func (m *Metrics) Snapshot() Snapshot {
	active := m.sessionsActive.Load()
	if active < 0 {
		active = 0
	}
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Hub: HubMetrics{
			Messages:        m.hubMessages.Load(),
			Reconnects:      m.hubReconnects.Load(),
			ChecksRequested: m.checksRequested.Load(),
			RateLimited:     m.rateLimited.Load(),
			RosterSize:      m.rosterSize.Load(),
		},
		Session: SessionMetrics{
			Active:          uint64(active),
			Started:         m.sessionsStarted.Load(),
			Succeeded:       m.sessionsOK.Load(),
			Failed:          m.sessionsFailed.Load(),
			BytesDownloaded: m.bytesDownloaded.Load(),
		},
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
