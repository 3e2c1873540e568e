// Package nonce serializes nonce allocation for one signer.
//
// A nonce is reserved before signing and must be either committed (the transaction was consumed by the chain)
// or released (it was not, so the slot can be reused). Released nonces are handed out again lowest first,
// so the signer never leaves a gap in its sequence.
package nonce

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Source reads the signer's next nonce from the chain.
type Source interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

type Manager struct {
	log     *zap.Logger
	address common.Address
	source  Source

	mu       sync.Mutex
	synced   bool
	next     uint64
	released []uint64
	inflight map[uint64]struct{}
}

func NewManager(log *zap.Logger, address common.Address, source Source) *Manager {
	return &Manager{
		log:      log.Named("nonce").With(zap.String("signer", address.Hex())),
		address:  address,
		source:   source,
		inflight: make(map[uint64]struct{}),
	}
}

func (m *Manager) Address() common.Address {
	return m.address
}

// Reserve allocates the next nonce. The first call reads the starting nonce from the chain.
func (m *Manager) Reserve(ctx context.Context) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.synced {
		nonce, err := m.source.PendingNonceAt(ctx, m.address)
		if err != nil {
			return nil, err
		}
		m.next = nonce
		m.synced = true
	}

	var value uint64
	if len(m.released) > 0 {
		value = m.released[0]
		m.released = m.released[1:]
	} else {
		value = m.next
		m.next++
	}
	m.inflight[value] = struct{}{}
	return &Reservation{value: value, m: m}, nil
}

// Invalidate resyncs from the chain after a nonce conflict.
// Nonces reserved in the meantime stay valid, so local state only moves back to the chain nonce
// when no reservation at or above it is in flight.
func (m *Manager) Invalidate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	nonce, err := m.source.PendingNonceAt(ctx, m.address)
	if err != nil {
		return err
	}
	if !m.synced || nonce > m.next || (nonce < m.next && !m.inflightFrom(nonce)) {
		m.log.Info("Nonce resynced from chain", zap.Uint64("previous", m.next), zap.Uint64("next", nonce))
		m.next = nonce
		m.synced = true
		m.released = m.released[:0]
		return nil
	}
	kept := m.released[:0]
	for _, n := range m.released {
		if n >= nonce {
			kept = append(kept, n)
		}
	}
	m.released = kept
	return nil
}

func (m *Manager) inflightFrom(nonce uint64) bool {
	for n := range m.inflight {
		if n >= nonce {
			return true
		}
	}
	return false
}

// Pending returns the number of reserved nonces not yet committed or released.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight)
}

// Next returns the nonce the next reservation gets, without reserving it.
func (m *Manager) Next() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.released) > 0 {
		return m.released[0]
	}
	return m.next
}

func (m *Manager) commit(value uint64) {
	m.mu.Lock()
	delete(m.inflight, value)
	m.mu.Unlock()
}

func (m *Manager) release(value uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, value)

	if value+1 != m.next {
		i := sort.Search(len(m.released), func(i int) bool { return m.released[i] >= value })
		m.released = append(m.released, 0)
		copy(m.released[i+1:], m.released[i:])
		m.released[i] = value
		return
	}
	m.next = value
	// collapse released slots that are now at the top
	for len(m.released) > 0 && m.released[len(m.released)-1]+1 == m.next {
		m.next--
		m.released = m.released[:len(m.released)-1]
	}
}

// Reservation is a reserved nonce that must be committed or released.
// Both are idempotent and only the first call has an effect.
type Reservation struct {
	value uint64
	m     *Manager
	done  atomic.Bool
}

func (r *Reservation) Value() uint64 {
	return r.value
}

// Commit marks the nonce as consumed on chain.
func (r *Reservation) Commit() {
	if r.done.Swap(true) {
		return
	}
	r.m.commit(r.value)
}

// Release returns the nonce for reuse.
func (r *Reservation) Release() {
	if r.done.Swap(true) {
		return
	}
	r.m.release(r.value)
}
