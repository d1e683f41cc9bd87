// Package snowflake generates globally unique, time-ordered 64-bit ids
// without runtime coordination between instances. Each process must be
// provisioned with a distinct (datacenter id, worker id) pair; uniqueness
// across instances rests entirely on that configuration.
package snowflake

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Epoch is 2021-01-01T00:00:00Z in Unix milliseconds. Ids pack the
// millisecond offset from this epoch into the top 41 bits.
const Epoch int64 = 1609459200000

const (
	workerIDBits     = 5
	datacenterIDBits = 5
	sequenceBits     = 12

	maxWorkerID     = (1 << workerIDBits) - 1
	maxDatacenterID = (1 << datacenterIDBits) - 1
	sequenceMask    = (1 << sequenceBits) - 1

	workerIDShift     = sequenceBits
	datacenterIDShift = sequenceBits + workerIDBits
	timestampShift    = sequenceBits + workerIDBits + datacenterIDBits
)

// orderCodePrefix tags order codes for human readability and downstream
// routing.
const orderCodePrefix = "ORD"

// ErrClockBackwards is returned when the wall clock is observed behind the
// last issued timestamp. Continuing would risk id reuse, so callers must
// treat this as unrecoverable rather than retry.
var ErrClockBackwards = errors.New("snowflake: clock moved backwards")

type Generator struct {
	mu           sync.Mutex
	datacenterID uint64
	workerID     uint64
	sequence     uint64
	lastTS       int64

	now func() int64
}

func New(datacenterID, workerID uint64) (*Generator, error) {
	if datacenterID > maxDatacenterID {
		return nil, fmt.Errorf("snowflake: datacenter id %d out of range [0, %d]", datacenterID, maxDatacenterID)
	}
	if workerID > maxWorkerID {
		return nil, fmt.Errorf("snowflake: worker id %d out of range [0, %d]", workerID, maxWorkerID)
	}

	return &Generator{
		datacenterID: datacenterID,
		workerID:     workerID,
		lastTS:       -1,
		now: func() int64 {
			return time.Now().UnixMilli()
		},
	}, nil
}

// NextID issues the next id. Safe for concurrent use.
func (g *Generator) NextID() (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ts := g.now()
	if ts < g.lastTS {
		return 0, fmt.Errorf("%w: refusing to generate id for %dms", ErrClockBackwards, g.lastTS-ts)
	}

	if ts == g.lastTS {
		g.sequence = (g.sequence + 1) & sequenceMask
		if g.sequence == 0 {
			// Sequence exhausted within this millisecond; wait for the
			// clock to tick forward.
			for ts <= g.lastTS {
				ts = g.now()
			}
		}
	} else {
		g.sequence = 0
	}

	g.lastTS = ts

	id := uint64(ts-Epoch)<<timestampShift |
		g.datacenterID<<datacenterIDShift |
		g.workerID<<workerIDShift |
		g.sequence

	return id, nil
}

// NextOrderCode returns the next id rendered as a human-routable order code.
func (g *Generator) NextOrderCode() (string, error) {
	id, err := g.NextID()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%d", orderCodePrefix, id), nil
}
