package metrics

import (
	"encoding/json"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons.
const (
	DropDecode        = "decode"
	DropGroupMismatch = "group_mismatch"
	DropDecrypt       = "decrypt"
	DropPayload       = "payload"
	DropPersist       = "persist"
	DropEncoding      = "encoding"
	DropNoReplyPath   = "no_reply_path"
	DropSend          = "send"
	DropPanic         = "panic"
	DropOverload      = "overload"
	DropOther         = "other"
)

type Snapshot struct {
	GeneratedAt     time.Time         `json:"generated_at"`
	DecryptAttempts uint64            `json:"decrypt_attempts"`
	Persisted       uint64            `json:"persisted"`
	Notified        uint64            `json:"notified"`
	RepliesSent     uint64            `json:"replies_sent"`
	BroadcastsSent  uint64            `json:"broadcasts_sent"`
	CurrentConns    int64             `json:"current_conns"`
	RecvByCommand   map[string]uint64 `json:"recv_by_command"`
	RecvByVia       map[string]uint64 `json:"recv_by_via"`
	DropByReason    map[string]uint64 `json:"drop_by_reason"`
	BridgeByStatus  map[string]uint64 `json:"bridge_by_status"`
}

type Metrics struct {
	decryptAttempts atomic.Uint64
	persisted       atomic.Uint64
	notified        atomic.Uint64
	repliesSent     atomic.Uint64
	broadcastsSent  atomic.Uint64
	currentConns    atomic.Int64

	recvByCommand  *counterMap
	recvByVia      *counterMap
	dropByReason   *counterMap
	bridgeByStatus *counterMap
}

func New() *Metrics {
	return &Metrics{
		recvByCommand:  newCounterMap(),
		recvByVia:      newCounterMap(),
		dropByReason:   newCounterMap(),
		bridgeByStatus: newCounterMap(),
	}
}

// IncDecryptAttempt is called before every decrypt, successful or not.
func (m *Metrics) IncDecryptAttempt() {
	m.decryptAttempts.Add(1)
}

func (m *Metrics) DecryptAttempts() uint64 {
	return m.decryptAttempts.Load()
}

func (m *Metrics) IncPersisted() {
	m.persisted.Add(1)
}

func (m *Metrics) IncNotified() {
	m.notified.Add(1)
}

func (m *Metrics) IncReplySent() {
	m.repliesSent.Add(1)
}

func (m *Metrics) IncBroadcastSent() {
	m.broadcastsSent.Add(1)
}

func (m *Metrics) AddCurrentConns(delta int64) {
	m.currentConns.Add(delta)
}

func (m *Metrics) IncRecvByCommand(cmd string) {
	if cmd == "" {
		cmd = "data"
	}
	m.recvByCommand.inc(cmd)
}

func (m *Metrics) IncRecvByVia(via string) {
	m.recvByVia.inc(via)
}

func (m *Metrics) IncDropByReason(reason string) {
	m.dropByReason.inc(reason)
}

func (m *Metrics) DropCount(reason string) uint64 {
	return m.dropByReason.get(reason)
}

func (m *Metrics) IncBridgeStatus(status string) {
	m.bridgeByStatus.inc(status)
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		GeneratedAt:     time.Now().UTC(),
		DecryptAttempts: m.decryptAttempts.Load(),
		Persisted:       m.persisted.Load(),
		Notified:        m.notified.Load(),
		RepliesSent:     m.repliesSent.Load(),
		BroadcastsSent:  m.broadcastsSent.Load(),
		CurrentConns:    m.currentConns.Load(),
		RecvByCommand:   m.recvByCommand.snapshot(),
		RecvByVia:       m.recvByVia.snapshot(),
		DropByReason:    m.dropByReason.snapshot(),
		BridgeByStatus:  m.bridgeByStatus.snapshot(),
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

type counterMap struct {
	mu sync.Mutex
	m  map[string]uint64
}

func newCounterMap() *counterMap {
	return &counterMap{m: make(map[string]uint64)}
}

func (c *counterMap) inc(key string) {
	c.mu.Lock()
	c.m[key]++
	c.mu.Unlock()
}

func (c *counterMap) get(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m[key]
}

func (c *counterMap) snapshot() map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]uint64, len(c.m))
	for k, v := range c.m {
		out[k] = v
	}
	return out
}

// -----------------------------------------------------------------------------
// Prometheus export
// -----------------------------------------------------------------------------

var (
	descDecrypt    = prometheus.NewDesc("nearcast_decrypt_attempts_total", "Decrypt calls, successful or not.", nil, nil)
	descPersisted  = prometheus.NewDesc("nearcast_snapshots_persisted_total", "Snapshots written to the store.", nil, nil)
	descNotified   = prometheus.NewDesc("nearcast_notifications_posted_total", "Notifications handed to the notifier.", nil, nil)
	descReplies    = prometheus.NewDesc("nearcast_replies_sent_total", "Unicast replies sent.", nil, nil)
	descBroadcasts = prometheus.NewDesc("nearcast_broadcasts_sent_total", "Broadcast envelopes sent.", nil, nil)
	descConns      = prometheus.NewDesc("nearcast_bridge_connections", "Open bridge connections.", nil, nil)
	descRecvCmd    = prometheus.NewDesc("nearcast_received_total", "Envelopes received by command.", []string{"command"}, nil)
	descRecvVia    = prometheus.NewDesc("nearcast_received_via_total", "Envelopes received by transport.", []string{"via"}, nil)
	descDrops      = prometheus.NewDesc("nearcast_dropped_total", "Messages dropped by reason.", []string{"reason"}, nil)
	descBridge     = prometheus.NewDesc("nearcast_bridge_responses_total", "Bridge responses by status.", []string{"status"}, nil)
)

var _ prometheus.Collector = (*Metrics)(nil)

func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{descDecrypt, descPersisted, descNotified, descReplies, descBroadcasts, descConns, descRecvCmd, descRecvVia, descDrops, descBridge} {
		ch <- d
	}
}

func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	snap := m.Snapshot()
	ch <- prometheus.MustNewConstMetric(descDecrypt, prometheus.CounterValue, float64(snap.DecryptAttempts))
	ch <- prometheus.MustNewConstMetric(descPersisted, prometheus.CounterValue, float64(snap.Persisted))
	ch <- prometheus.MustNewConstMetric(descNotified, prometheus.CounterValue, float64(snap.Notified))
	ch <- prometheus.MustNewConstMetric(descReplies, prometheus.CounterValue, float64(snap.RepliesSent))
	ch <- prometheus.MustNewConstMetric(descBroadcasts, prometheus.CounterValue, float64(snap.BroadcastsSent))
	ch <- prometheus.MustNewConstMetric(descConns, prometheus.GaugeValue, float64(snap.CurrentConns))
	collectMap(ch, descRecvCmd, snap.RecvByCommand)
	collectMap(ch, descRecvVia, snap.RecvByVia)
	collectMap(ch, descDrops, snap.DropByReason)
	collectMap(ch, descBridge, snap.BridgeByStatus)
}

func collectMap(ch chan<- prometheus.Metric, desc *prometheus.Desc, m map[string]uint64) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(m[k]), k)
	}
}
