// Package accounts stores the account state that instructions run against.
//
// The executor loads instruction accounts from a DB before a transaction and
// writes the modified writable accounts back in one atomic batch after it
// succeeds. MemoryDB backs tests and one-shot runs; BadgerDB persists state
// across runs.
package accounts

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sort"
	"sync"

	"github.com/fortiblox/x1-invoke/internal/types"
)

var (
	// ErrAccountNotFound is returned when an account doesn't exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrClosed is returned when operating on a closed database.
	ErrClosed = errors.New("database closed")

	// ErrInvalidData is returned when account data is malformed.
	ErrInvalidData = errors.New("invalid account data")
)

// MaxAccountDataSize is the maximum account data size (10 MB).
const MaxAccountDataSize = 10 * 1024 * 1024

// accountHeaderSize is the serialized size of an account without data:
// lamports (8) + data_len (8) + owner (32) + executable (1) + rent_epoch (8).
const accountHeaderSize = 8 + 8 + 32 + 1 + 8

// Account represents a single account in the state.
type Account struct {
	// Lamports is the account balance in lamports.
	Lamports uint64

	// Data is the account data.
	Data []byte

	// Owner is the program that owns this account.
	Owner types.Pubkey

	// Executable indicates if this is a program account.
	Executable bool

	// RentEpoch is the epoch at which rent was last collected.
	RentEpoch uint64
}

// Clone creates a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	c.Data = append([]byte(nil), a.Data...)
	return &c
}

// IsZero returns true if the account has no lamports and no data.
// Zero accounts are deleted from storage.
func (a *Account) IsZero() bool {
	return a.Lamports == 0 && len(a.Data) == 0
}

// Serialize encodes the account for storage.
// Format: lamports (8) + data_len (8) + data + owner (32) + executable (1) + rent_epoch (8)
func (a *Account) Serialize() []byte {
	buf := make([]byte, accountHeaderSize+len(a.Data))
	le := binary.LittleEndian

	le.PutUint64(buf[0:], a.Lamports)
	le.PutUint64(buf[8:], uint64(len(a.Data)))
	off := 16 + copy(buf[16:], a.Data)
	off += copy(buf[off:], a.Owner[:])
	if a.Executable {
		buf[off] = 1
	}
	le.PutUint64(buf[off+1:], a.RentEpoch)
	return buf
}

// DeserializeAccount decodes an account from bytes.
func DeserializeAccount(data []byte) (*Account, error) {
	if len(data) < accountHeaderSize {
		return nil, ErrInvalidData
	}
	le := binary.LittleEndian
	dataLen := le.Uint64(data[8:])
	if dataLen > MaxAccountDataSize || uint64(len(data)) != accountHeaderSize+dataLen {
		return nil, ErrInvalidData
	}

	acc := &Account{
		Lamports: le.Uint64(data[0:]),
		Data:     append([]byte(nil), data[16:16+dataLen]...),
	}
	off := 16 + int(dataLen)
	copy(acc.Owner[:], data[off:off+32])
	acc.Executable = data[off+32] != 0
	acc.RentEpoch = le.Uint64(data[off+33:])
	return acc, nil
}

// AccountEntry pairs a pubkey with its account.
type AccountEntry struct {
	Pubkey  types.Pubkey
	Account *Account
}

// DB is the accounts database interface.
// Implementations must be safe for concurrent use.
type DB interface {
	// GetAccount retrieves an account by public key.
	// Returns ErrAccountNotFound if the account doesn't exist.
	GetAccount(pubkey types.Pubkey) (*Account, error)

	// SetAccount stores an account. Zero accounts are deleted.
	SetAccount(pubkey types.Pubkey, account *Account) error

	// DeleteAccount removes an account.
	// Returns nil if the account doesn't exist.
	DeleteAccount(pubkey types.Pubkey) error

	// HasAccount checks if an account exists.
	HasAccount(pubkey types.Pubkey) (bool, error)

	// WriteAccounts applies every entry atomically. Zero accounts are
	// deleted.
	WriteAccounts(entries []AccountEntry) error

	// AccountsCount returns the total number of accounts.
	AccountsCount() (uint64, error)

	// IterateAccounts calls fn for every account in sorted pubkey order.
	// An error from fn stops the iteration and is returned.
	IterateAccounts(fn func(pubkey types.Pubkey, account *Account) error) error

	// Close closes the database.
	Close() error
}

// MemoryDB is an in-memory implementation of DB.
type MemoryDB struct {
	mu       sync.RWMutex
	accounts map[types.Pubkey]*Account
	closed   bool
}

// NewMemoryDB creates a new in-memory accounts database.
func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		accounts: make(map[types.Pubkey]*Account),
	}
}

// GetAccount retrieves an account.
func (m *MemoryDB) GetAccount(pubkey types.Pubkey) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	acc, ok := m.accounts[pubkey]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return acc.Clone(), nil
}

// SetAccount stores an account.
func (m *MemoryDB) SetAccount(pubkey types.Pubkey, account *Account) error {
	return m.WriteAccounts([]AccountEntry{{Pubkey: pubkey, Account: account}})
}

// DeleteAccount removes an account.
func (m *MemoryDB) DeleteAccount(pubkey types.Pubkey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.accounts, pubkey)
	return nil
}

// HasAccount checks if an account exists.
func (m *MemoryDB) HasAccount(pubkey types.Pubkey) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.accounts[pubkey]
	return ok, nil
}

// WriteAccounts applies every entry under one lock.
func (m *MemoryDB) WriteAccounts(entries []AccountEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, e := range entries {
		if e.Account == nil || e.Account.IsZero() {
			delete(m.accounts, e.Pubkey)
			continue
		}
		m.accounts[e.Pubkey] = e.Account.Clone()
	}
	return nil
}

// AccountsCount returns the number of accounts.
func (m *MemoryDB) AccountsCount() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	return uint64(len(m.accounts)), nil
}

// IterateAccounts iterates over a snapshot of the accounts in sorted pubkey
// order.
func (m *MemoryDB) IterateAccounts(fn func(pubkey types.Pubkey, account *Account) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	entries := make([]AccountEntry, 0, len(m.accounts))
	for pubkey, acc := range m.accounts {
		entries = append(entries, AccountEntry{Pubkey: pubkey, Account: acc.Clone()})
	}
	m.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].Pubkey[:], entries[j].Pubkey[:]) < 0
	})
	for _, e := range entries {
		if err := fn(e.Pubkey, e.Account); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database.
func (m *MemoryDB) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.accounts = nil
	return nil
}

var _ DB = (*MemoryDB)(nil)
