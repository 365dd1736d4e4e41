package shared

import (
	"github.com/thfabian/bifrost/internal/arena"
)

// Log stash: a FIFO of log records linked through arena offsets. Producers
// in any attached process push under the stash spin lock; each process runs
// one consumer that pops and dispatches to its local callbacks.
const (
	stashLockOff  = 0
	stashHeadOff  = 8
	stashTailOff  = 16
	stashCountOff = 24
	stashHdrSize  = 32

	recNextOff   = 0
	recLevelOff  = 8
	recModOff    = 16
	recModLenOff = 24
	recMsgOff    = 32
	recMsgLenOff = 40
	recSize      = 48
)

// LogRecord is one message popped out of the stash.
type LogRecord struct {
	Level   uint32
	Module  string
	Message string
}

// Stash is the shared log queue.
type Stash struct {
	a   *arena.Arena
	off arena.Offset
}

func newStash(a *arena.Arena) (*Stash, error) {
	off, err := a.Allocate(stashHdrSize)
	if err != nil {
		return nil, err
	}
	a.WriteU32(off+stashLockOff, 0)
	a.WriteU64(off+stashHeadOff, uint64(arena.Null))
	a.WriteU64(off+stashTailOff, uint64(arena.Null))
	a.WriteU64(off+stashCountOff, 0)
	return &Stash{a: a, off: off}, nil
}

func (s *Stash) lock() arena.SpinLock {
	return s.a.SpinLockAt(s.off + stashLockOff)
}

// Push copies module and message into the arena and appends the record.
// It never waits for a consumer; the only contention is the spin lock and
// the allocator underneath it.
func (s *Stash) Push(level uint32, module, message string) error {
	lock := s.lock()
	lock.Lock()
	defer lock.Unlock()

	modOff, err := s.copyString(module)
	if err != nil {
		return err
	}
	msgOff, err := s.copyString(message)
	if err != nil {
		s.freeString(modOff, module)
		return err
	}
	rec, err := s.a.Allocate(recSize)
	if err != nil {
		s.freeString(modOff, module)
		s.freeString(msgOff, message)
		return err
	}

	s.a.WriteU64(rec+recNextOff, uint64(arena.Null))
	s.a.WriteU32(rec+recLevelOff, level)
	s.a.WriteU64(rec+recModOff, uint64(modOff))
	s.a.WriteU64(rec+recModLenOff, uint64(len(module)))
	s.a.WriteU64(rec+recMsgOff, uint64(msgOff))
	s.a.WriteU64(rec+recMsgLenOff, uint64(len(message)))

	tail := arena.Offset(s.a.ReadU64(s.off + stashTailOff))
	if tail == arena.Null {
		s.a.WriteU64(s.off+stashHeadOff, uint64(rec))
	} else {
		s.a.WriteU64(tail+recNextOff, uint64(rec))
	}
	s.a.WriteU64(s.off+stashTailOff, uint64(rec))
	s.a.WriteU64(s.off+stashCountOff, s.a.ReadU64(s.off+stashCountOff)+1)
	return nil
}

// TryPop removes the oldest record, copying its strings out of the arena
// and releasing their storage. Returns false when the stash is empty.
func (s *Stash) TryPop() (LogRecord, bool) {
	lock := s.lock()
	lock.Lock()
	defer lock.Unlock()

	head := arena.Offset(s.a.ReadU64(s.off + stashHeadOff))
	if head == arena.Null {
		return LogRecord{}, false
	}

	next := s.a.ReadU64(head + recNextOff)
	s.a.WriteU64(s.off+stashHeadOff, next)
	if arena.Offset(next) == arena.Null {
		s.a.WriteU64(s.off+stashTailOff, uint64(arena.Null))
	}
	s.a.WriteU64(s.off+stashCountOff, s.a.ReadU64(s.off+stashCountOff)-1)

	rec := LogRecord{Level: s.a.ReadU32(head + recLevelOff)}
	modOff := arena.Offset(s.a.ReadU64(head + recModOff))
	modLen := s.a.ReadU64(head + recModLenOff)
	msgOff := arena.Offset(s.a.ReadU64(head + recMsgOff))
	msgLen := s.a.ReadU64(head + recMsgLenOff)
	rec.Module = string(s.a.Bytes(modOff, modLen))
	rec.Message = string(s.a.Bytes(msgOff, msgLen))

	if modLen > 0 {
		s.a.Free(modOff)
	}
	if msgLen > 0 {
		s.a.Free(msgOff)
	}
	s.a.Free(head)
	return rec, true
}

// Empty reports whether the stash holds no records.
func (s *Stash) Empty() bool {
	lock := s.lock()
	lock.Lock()
	defer lock.Unlock()
	return arena.Offset(s.a.ReadU64(s.off+stashHeadOff)) == arena.Null
}

// Size is the number of queued records.
func (s *Stash) Size() uint64 {
	lock := s.lock()
	lock.Lock()
	defer lock.Unlock()
	return s.a.ReadU64(s.off + stashCountOff)
}

func (s *Stash) copyString(v string) (arena.Offset, error) {
	if len(v) == 0 {
		return arena.Null, nil
	}
	off, err := s.a.Allocate(uint64(len(v)))
	if err != nil {
		return arena.Null, err
	}
	copy(s.a.Bytes(off, uint64(len(v))), v)
	return off, nil
}

func (s *Stash) freeString(off arena.Offset, v string) {
	if len(v) > 0 && off != arena.Null {
		s.a.Free(off)
	}
}

// destruct drops any remaining records and the header. Called by the last
// detacher after its consumer performed the final drain.
func (s *Stash) destruct() {
	for {
		if _, ok := s.TryPop(); !ok {
			break
		}
	}
	s.a.Free(s.off)
}
