// Package subscribe implements the per-connection subscription set and
// notification engine of spec.md §4.9: tracking which scripthashes each
// connection watches, recomputing status hashes after each indexer commit
// or mempool diff, and coalescing the result into a bounded, overflow-safe
// outbound queue. There is no teacher precedent for this concept (the
// teacher has no subscriber model); the bounded-queue-per-connection shape
// follows spec.md §9's own re-architecture note directly, built with the
// same deadlock-checked mutex discipline the rest of the index uses.
package subscribe

import (
	"context"

	"github.com/sirupsen/logrus"

	deadlock "github.com/deso-protocol/go-deadlock"

	"github.com/BitcoinUnlimited/ElectrsCash/internal/chainhash"
	"github.com/BitcoinUnlimited/ElectrsCash/internal/xerrors"
)

// StatusHasher is the subset of query.Query the manager needs: recomputing
// the status hash for a scripthash (spec §4.8/§4.9).
type StatusHasher interface {
	StatusHash(ctx context.Context, sh chainhash.ScriptHash) (chainhash.Hash, error)
}

// Notification is one coalesced, queued status change for delivery over a
// connection (blockchain.scripthash.subscribe push).
type Notification struct {
	ScriptHash chainhash.ScriptHash
	StatusHash chainhash.Hash
}

// Limits bounds one connection's subscription footprint (spec §4.9).
type Limits struct {
	RPCBufferSize              int
	ScripthashSubscriptionLimit int
	ScripthashAliasBytesLimit   int
}

// Connection tracks one client's subscribed scripthashes, the status hash
// last delivered for each, and a FIFO of coalesced pending notifications.
// All methods are safe for concurrent use; the manager calls in from the
// indexer/mempool notification path while the RPC layer drains from
// another goroutine.
type Connection struct {
	mu deadlock.Mutex

	limits Limits
	onDrop func()

	lastDelivered map[chainhash.ScriptHash]chainhash.Hash
	aliasBytes    map[chainhash.ScriptHash]int
	aliasBytesUsed int

	pending      map[chainhash.ScriptHash]chainhash.Hash
	pendingOrder []chainhash.ScriptHash
}

func newConnection(limits Limits, onDrop func()) *Connection {
	return &Connection{
		limits:        limits,
		onDrop:        onDrop,
		lastDelivered: make(map[chainhash.ScriptHash]chainhash.Hash),
		aliasBytes:    make(map[chainhash.ScriptHash]int),
		pending:       make(map[chainhash.ScriptHash]chainhash.Hash),
	}
}

// subscribe admits sh with its current status hash, enforcing the
// per-connection scripthash count and address-alias byte budget (spec
// §4.9). aliasBytes is 0 for a direct scripthash subscription and the
// encoded length of the address string for an alias-based one.
func (c *Connection) subscribe(sh chainhash.ScriptHash, aliasBytes int, current chainhash.Hash) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.lastDelivered[sh]; ok {
		c.lastDelivered[sh] = current
		return nil
	}

	if len(c.lastDelivered) >= c.limits.ScripthashSubscriptionLimit {
		return xerrors.New(xerrors.RateLimited, "scripthash subscription limit reached")
	}
	if aliasBytes > 0 && c.aliasBytesUsed+aliasBytes > c.limits.ScripthashAliasBytesLimit {
		return xerrors.New(xerrors.RateLimited, "scripthash alias byte budget exceeded")
	}

	c.lastDelivered[sh] = current
	if aliasBytes > 0 {
		c.aliasBytes[sh] = aliasBytes
		c.aliasBytesUsed += aliasBytes
	}
	return nil
}

func (c *Connection) unsubscribe(sh chainhash.ScriptHash) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n, ok := c.aliasBytes[sh]; ok {
		c.aliasBytesUsed -= n
		delete(c.aliasBytes, sh)
	}
	delete(c.lastDelivered, sh)
	if _, ok := c.pending[sh]; ok {
		delete(c.pending, sh)
		c.removeFromOrder(sh)
	}
}

func (c *Connection) removeFromOrder(sh chainhash.ScriptHash) {
	for i, s := range c.pendingOrder {
		if s == sh {
			c.pendingOrder = append(c.pendingOrder[:i], c.pendingOrder[i+1:]...)
			return
		}
	}
}

// onTouched recomputes whether sh's new status hash differs from what this
// connection last delivered, and if so, enqueues or coalesces a pending
// notification (spec §4.9 delivery contract).
func (c *Connection) onTouched(sh chainhash.ScriptHash, newHash chainhash.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delivered, subscribed := c.lastDelivered[sh]
	if !subscribed {
		return
	}

	if _, alreadyPending := c.pending[sh]; alreadyPending {
		// Coalesce: keep the scripthash's place in line, just refresh the
		// value that will be delivered.
		c.pending[sh] = newHash
		return
	}
	if delivered == newHash {
		return
	}

	if len(c.pendingOrder) >= c.limits.RPCBufferSize {
		// Drop the oldest pending notification; the scripthash it was for
		// loses nothing since a fresh recomputation would resend current
		// state anyway (spec §4.9).
		oldest := c.pendingOrder[0]
		c.pendingOrder = c.pendingOrder[1:]
		delete(c.pending, oldest)
		if c.onDrop != nil {
			c.onDrop()
		}
	}
	c.pending[sh] = newHash
	c.pendingOrder = append(c.pendingOrder, sh)
}

// Pop dequeues the oldest pending notification, marking its status hash as
// delivered. Returns false when nothing is pending.
func (c *Connection) Pop() (Notification, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pendingOrder) == 0 {
		return Notification{}, false
	}
	sh := c.pendingOrder[0]
	c.pendingOrder = c.pendingOrder[1:]
	hash := c.pending[sh]
	delete(c.pending, sh)
	c.lastDelivered[sh] = hash
	return Notification{ScriptHash: sh, StatusHash: hash}, true
}

// PendingCount reports the number of coalesced notifications awaiting
// delivery, for metrics and tests.
func (c *Connection) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pendingOrder)
}

// SubscriptionCount reports how many scripthashes this connection watches.
func (c *Connection) SubscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lastDelivered)
}

// Manager owns every connection's subscription set and fans out the
// touched-scripthash notifications from the indexer and mempool (spec
// §4.9). It satisfies both indexer.InvalidationSink and
// mempool.InvalidationSink via the identical NotifyTouched method shape.
type Manager struct {
	mu deadlock.RWMutex

	hasher StatusHasher
	log    *logrus.Entry
	onDrop func()

	conns map[string]*Connection
	// bySH indexes which connections watch a scripthash, so NotifyTouched
	// recomputes each touched scripthash's status hash once and fans the
	// result out, rather than once per connection.
	bySH map[chainhash.ScriptHash]map[string]struct{}
}

func New(hasher StatusHasher) *Manager {
	return &Manager{
		hasher: hasher,
		log:    logrus.WithField("component", "subscribe"),
		conns:  make(map[string]*Connection),
		bySH:   make(map[chainhash.ScriptHash]map[string]struct{}),
	}
}

// OnNotificationDropped registers fn to be called every time a connection's
// pending-notification queue overflows and drops its oldest entry (spec
// §4.9), letting the caller wire this into metrics without internal/subscribe
// importing internal/metrics directly.
func (m *Manager) OnNotificationDropped(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDrop = fn
}

// SetHasher binds the status hasher after construction. Query depends on
// Mempool, and Mempool's InvalidationSink is this Manager, so the caller
// can't have a *query.Query ready before the Manager exists; New(nil)
// followed by SetHasher(q) breaks that construction cycle.
func (m *Manager) SetHasher(hasher StatusHasher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hasher = hasher
}

// Register admits a new connection under the given limits (the config
// values rpc_buffer_size / scripthash_subscription_limit /
// scripthash_alias_bytes_limit, resolved by the RPC layer at accept time).
func (m *Manager) Register(connID string, limits Limits) *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn := newConnection(limits, m.onDrop)
	m.conns[connID] = conn
	return conn
}

// Unregister drops a connection and every reverse-index entry for it
// (called on disconnect).
func (m *Manager) Unregister(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[connID]
	if !ok {
		return
	}
	conn.mu.Lock()
	for sh := range conn.lastDelivered {
		m.removeInterest(sh, connID)
	}
	conn.mu.Unlock()
	delete(m.conns, connID)
}

// Subscribe admits sh for connID, returning its current status hash for
// the synchronous RPC reply (subscribe's own response is never subject to
// the notification queue's coalescing or drop behavior).
func (m *Manager) Subscribe(ctx context.Context, connID string, sh chainhash.ScriptHash, aliasBytes int) (chainhash.Hash, error) {
	m.mu.Lock()
	conn, ok := m.conns[connID]
	m.mu.Unlock()
	if !ok {
		return chainhash.Hash{}, xerrors.New(xerrors.InvalidParams, "unknown connection")
	}

	current, err := m.hasher.StatusHash(ctx, sh)
	if err != nil {
		return chainhash.Hash{}, err
	}
	if err := conn.subscribe(sh, aliasBytes, current); err != nil {
		return chainhash.Hash{}, err
	}

	m.mu.Lock()
	m.addInterest(sh, connID)
	m.mu.Unlock()
	return current, nil
}

// Unsubscribe removes sh from connID's watch set.
func (m *Manager) Unsubscribe(connID string, sh chainhash.ScriptHash) {
	m.mu.Lock()
	conn, ok := m.conns[connID]
	if ok {
		m.removeInterest(sh, connID)
	}
	m.mu.Unlock()
	if ok {
		conn.unsubscribe(sh)
	}
}

func (m *Manager) addInterest(sh chainhash.ScriptHash, connID string) {
	set, ok := m.bySH[sh]
	if !ok {
		set = make(map[string]struct{})
		m.bySH[sh] = set
	}
	set[connID] = struct{}{}
}

func (m *Manager) removeInterest(sh chainhash.ScriptHash, connID string) {
	set, ok := m.bySH[sh]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(m.bySH, sh)
	}
}

// NotifyTouched recomputes the status hash once per touched scripthash and
// enqueues a coalesced notification on every connection subscribed to it
// (spec §4.9). Implements indexer.InvalidationSink and
// mempool.InvalidationSink.
func (m *Manager) NotifyTouched(scripthashes []chainhash.ScriptHash) {
	ctx := context.Background()
	for _, sh := range scripthashes {
		m.mu.RLock()
		set := m.bySH[sh]
		interested := make([]string, 0, len(set))
		for connID := range set {
			interested = append(interested, connID)
		}
		m.mu.RUnlock()
		if len(interested) == 0 {
			continue
		}

		newHash, err := m.hasher.StatusHash(ctx, sh)
		if err != nil {
			m.log.WithError(err).WithField("scripthash", chainhash.HexBE(sh)).Warn("failed to recompute status hash")
			continue
		}

		m.mu.RLock()
		for _, connID := range interested {
			if conn, ok := m.conns[connID]; ok {
				conn.onTouched(sh, newHash)
			}
		}
		m.mu.RUnlock()
	}
}

// ConnectionCount reports the number of registered connections, for
// metrics.
func (m *Manager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}
