// Package serial hands out certificate serial numbers. Random is the default
// source; MemoryCounter and BoltCounter issue monotonically increasing
// serials per issuer, the latter persisted across restarts.
package serial

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"math/big"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/ironchain/internal/util"
	"github.com/jmcleod/ironchain/pkixerr"
)

// ErrSource is returned when a serial number cannot be produced.
var ErrSource = pkixerr.New(pkixerr.ErrCryptoOperation, "serial number source failed")

// Source produces serial numbers for certificates signed by issuer, the
// DER-encoded issuer name. Implementations must never return the same value
// twice for one issuer and must be safe for concurrent use.
type Source interface {
	Next(issuer []byte) (*big.Int, error)
}

// Random draws positive 127-bit serials from an entropy source. The issuer is
// ignored; collisions are negligible.
type Random struct {
	r io.Reader
}

// NewRandom returns a Random reading from r, or crypto/rand.Reader if r is nil.
func NewRandom(r io.Reader) *Random {
	if r == nil {
		r = rand.Reader
	}
	return &Random{r: r}
}

func (s *Random) Next([]byte) (*big.Int, error) {
	n, err := util.RandomSerial(s.r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSource, err)
	}
	return n, nil
}

// MemoryCounter is an in-memory per-issuer counter suitable for tests and
// single-process use. The first serial for an issuer is 1.
type MemoryCounter struct {
	mu      sync.Mutex
	counter map[string]uint64
}

// NewMemoryCounter returns an empty MemoryCounter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{counter: make(map[string]uint64)}
}

func (c *MemoryCounter) Next(issuer []byte) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := util.Fingerprint(issuer)
	c.counter[key]++
	return new(big.Int).SetUint64(c.counter[key]), nil
}

// Last returns the most recent serial issued for issuer, or 0.
func (c *MemoryCounter) Last(issuer []byte) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counter[util.Fingerprint(issuer)]
}

var counterBucket = []byte("__serial_counter")

// BoltCounter persists per-issuer counters in a dedicated BBolt bucket. Reads
// come from an in-memory map; Next persists the new value before returning it
// so a serial is never reissued after a restart.
type BoltCounter struct {
	db     *bbolt.DB
	ownsDB bool
	mu     sync.Mutex
	cache  map[string]uint64
}

// NewBoltCounter loads existing counters from db.
func NewBoltCounter(db *bbolt.DB) (*BoltCounter, error) {
	c := &BoltCounter{
		db:    db,
		cache: make(map[string]uint64),
	}
	err := db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(counterBucket)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			if len(v) != 8 {
				return fmt.Errorf("counter %s: want 8 bytes, got %d", k, len(v))
			}
			c.cache[string(k)] = binary.BigEndian.Uint64(v)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: loading counters: %v", ErrSource, err)
	}
	return c, nil
}

// NewBoltCounterFromFile opens a BBolt database at path and returns a
// BoltCounter that closes it on Close.
func NewBoltCounterFromFile(path string, options *bbolt.Options) (*BoltCounter, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	c, err := NewBoltCounter(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	c.ownsDB = true
	return c, nil
}

func (c *BoltCounter) Next(issuer []byte) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := util.Fingerprint(issuer)
	next := c.cache[key] + 1
	err := c.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(counterBucket)
		if err != nil {
			return err
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], next)
		return b.Put([]byte(key), buf[:])
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSource, err)
	}

	c.cache[key] = next
	return new(big.Int).SetUint64(next), nil
}

// Last returns the most recent serial issued for issuer, or 0.
func (c *BoltCounter) Last(issuer []byte) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache[util.Fingerprint(issuer)]
}

// Close closes the database if it was opened by NewBoltCounterFromFile.
func (c *BoltCounter) Close() error {
	if !c.ownsDB {
		return nil
	}
	return c.db.Close()
}
