// Package book replicates one symbol's price-level order book and verifies its checksum.
package book

import (
	"errors"
	"hash/crc32"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/coachpo/bfxstream/errs"
)

// ChecksumDepth is the number of levels per side covered by the checksum.
const ChecksumDepth = 25

// ErrSnapshotRequired is returned when updates arrive before the first snapshot.
var ErrSnapshotRequired = errors.New("book: snapshot required before updates")

// Level is one aggregated price level. Amount is positive for bids and negative for asks.
type Level struct {
	Price  decimal.Decimal
	Count  int64
	Amount decimal.Decimal
}

// Snapshot is an immutable copy of the book.
type Snapshot struct {
	Symbol   string
	Bids     []Level
	Asks     []Level
	Checksum uint32
}

// Book keeps bids sorted by price descending and asks ascending.
type Book struct {
	mu     sync.RWMutex
	symbol string
	bids   []Level
	asks   []Level
	ready  bool
}

// New constructs an empty book awaiting its snapshot.
func New(symbol string) *Book {
	return &Book{symbol: symbol}
}

// Symbol returns the book's symbol.
func (b *Book) Symbol() string { return b.symbol }

// Ready reports whether a snapshot has been loaded since the last reset.
func (b *Book) Ready() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ready
}

// Reset discards all state; updates are refused until the next snapshot.
func (b *Book) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bids = nil
	b.asks = nil
	b.ready = false
}

// LoadSnapshot replaces the book with the given levels.
func (b *Book) LoadSnapshot(levels []Level) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bids = make([]Level, 0, len(levels))
	b.asks = make([]Level, 0, len(levels))
	for _, level := range levels {
		if level.Count == 0 {
			continue
		}
		b.upsertLocked(level)
	}
	b.ready = true
}

// Apply merges one incremental record.
func (b *Book) Apply(level Level) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.ready {
		return ErrSnapshotRequired
	}
	if level.Count > 0 {
		b.upsertLocked(level)
		return nil
	}
	switch level.Amount.Sign() {
	case 1:
		b.bids = removeLevel(b.bids, level.Price, true)
	case -1:
		b.asks = removeLevel(b.asks, level.Price, false)
	default:
		b.bids = removeLevel(b.bids, level.Price, true)
		b.asks = removeLevel(b.asks, level.Price, false)
	}
	return nil
}

func (b *Book) upsertLocked(level Level) {
	if level.Amount.Sign() > 0 {
		b.bids = upsertLevel(b.bids, level, true)
		return
	}
	b.asks = upsertLevel(b.asks, level, false)
}

// search returns the insertion index for price; desc selects bid ordering.
func search(levels []Level, price decimal.Decimal, desc bool) int {
	return sort.Search(len(levels), func(i int) bool {
		if desc {
			return levels[i].Price.Cmp(price) <= 0
		}
		return levels[i].Price.Cmp(price) >= 0
	})
}

func upsertLevel(levels []Level, level Level, desc bool) []Level {
	i := search(levels, level.Price, desc)
	if i < len(levels) && levels[i].Price.Equal(level.Price) {
		levels[i] = level
		return levels
	}
	levels = append(levels, Level{})
	copy(levels[i+1:], levels[i:])
	levels[i] = level
	return levels
}

func removeLevel(levels []Level, price decimal.Decimal, desc bool) []Level {
	i := search(levels, price, desc)
	if i < len(levels) && levels[i].Price.Equal(price) {
		return append(levels[:i], levels[i+1:]...)
	}
	return levels
}

// Checksum computes the CRC-32 of the top levels joined as price:amount pairs,
// interleaving bid[i] then ask[i].
func (b *Book) Checksum() uint32 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return checksumLocked(b.bids, b.asks)
}

func checksumLocked(bids, asks []Level) uint32 {
	parts := make([]string, 0, ChecksumDepth*4)
	for i := 0; i < ChecksumDepth; i++ {
		if i < len(bids) {
			parts = append(parts, FormatNumber(bids[i].Price), FormatNumber(bids[i].Amount))
		}
		if i < len(asks) {
			parts = append(parts, FormatNumber(asks[i].Price), FormatNumber(asks[i].Amount))
		}
	}
	return crc32.ChecksumIEEE([]byte(strings.Join(parts, ":")))
}

// Verify compares the local checksum with the server value. A mismatch means the book
// must be rebuilt from a fresh snapshot.
func (b *Book) Verify(expected uint32) error {
	got := b.Checksum()
	if got == expected {
		return nil
	}
	return errs.Derive(errs.ErrChecksumMismatch, "book",
		errs.WithMessage("resync required"),
		errs.WithField("symbol", b.symbol),
		errs.WithField("local", strconv.FormatUint(uint64(got), 10)),
		errs.WithField("remote", strconv.FormatUint(uint64(expected), 10)),
	)
}

// Bids returns up to n bid levels, best first. n <= 0 returns all.
func (b *Book) Bids(n int) []Level {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return top(b.bids, n)
}

// Asks returns up to n ask levels, best first. n <= 0 returns all.
func (b *Book) Asks(n int) []Level {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return top(b.asks, n)
}

// Snapshot copies the whole book together with its checksum.
func (b *Book) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Snapshot{
		Symbol:   b.symbol,
		Bids:     top(b.bids, 0),
		Asks:     top(b.asks, 0),
		Checksum: checksumLocked(b.bids, b.asks),
	}
}

func top(levels []Level, n int) []Level {
	if n <= 0 || n > len(levels) {
		n = len(levels)
	}
	out := make([]Level, n)
	copy(out, levels[:n])
	return out
}
