// Package swap implements component A of the tile store: a byte-addressed
// pool of one or more backing files, each with its own free-gap allocator,
// behind a small bounded set of open file descriptors. It knows nothing
// about tiles, managers, or pixels - only about extents and bytes - so that
// the tile payload package (component B) can treat it as a pluggable
// backing store, an explicit object in place of a global swap table.
package swap

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// SwapID identifies one backing file registered with a Store.
type SwapID int

// ReadWriteSeekCloser is what a backing file must support. *os.File
// satisfies it; OpenFunc lets a caller substitute another backing (an
// in-memory buffer in tests, or a custom transport) - the "custom swap
// function" hook a caller attaches to swap-add.
type ReadWriteSeekCloser interface {
	io.ReadWriteSeeker
	io.Closer
	Truncate(size int64) error
}

// OpenFunc opens (or creates) the named backing store.
type OpenFunc func(name string) (ReadWriteSeekCloser, error)

func defaultOpen(name string) (ReadWriteSeekCloser, error) {
	return os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0o600)
}

type swapFile struct {
	name     string
	open     OpenFunc
	userData any
	gaps     gapList
	backing  ReadWriteSeekCloser // nil when closed
}

// Store is the default swap store implementation: one allocator per swap
// id, a process-wide bound on simultaneously open file descriptors, and
// the four per-tile commands: in, out, delete, compress.
type Store struct {
	mu         sync.Mutex
	log        logrus.FieldLogger
	growQuanta int64 // bytes; default is 16 tiles worth
	fdLimit    int
	files      map[SwapID]*swapFile
	openOrder  []SwapID // least-recently-used first
	nextID     SwapID

	loggedOnce sync.Mutex
	loggedKind map[string]bool
}

// Options configures a Store at construction.
type Options struct {
	GrowthQuantumBytes int64
	OpenFileLimit      int
	Log                logrus.FieldLogger
}

// NewStore constructs an empty store with no swap files registered yet.
func NewStore(opts Options) *Store {
	if opts.GrowthQuantumBytes <= 0 {
		opts.GrowthQuantumBytes = 16 * 64 * 64 * 4 // 16 tiles at max bpp,
	}
	if opts.OpenFileLimit <= 0 {
		opts.OpenFileLimit = 16
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	return &Store{
		log:        opts.Log,
		growQuanta: opts.GrowthQuantumBytes,
		fdLimit:    opts.OpenFileLimit,
		files:      make(map[SwapID]*swapFile),
		loggedKind: make(map[string]bool),
	}
}

// Add registers a new backing file under name and returns its swap id. If
// open is nil, the default os.File-backed implementation is used. userData
// is returned verbatim by UserData, an opaque slot a caller attaches at
// registration time.
func (s *Store) Add(name string, open OpenFunc, userData any) SwapID {
	if open == nil {
		open = defaultOpen
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.files[id] = &swapFile{name: name, open: open, userData: userData}
	return id
}

// UserData returns the opaque value passed to Add for id.
func (s *Store) UserData(id SwapID) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return nil
	}
	return f.userData
}

// Remove closes id's file descriptor (if open) without unlinking the file.
// Panics are never raised for an unknown id; it is simply a no-op, in
// keeping with "protocol misuse is logged, not fatal".
func (s *Store) Remove(id SwapID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return
	}
	if f.backing != nil {
		f.backing.Close()
	}
	delete(s.files, id)
	s.dropFromOpenOrder(id)
}

// Exit finalises the store: every registered swap file is closed and
// its name is unlinked with os.Remove, whatever OpenFunc it was added
// with (a name with no file behind it is skipped silently). Swap file
// format is not a compatibility concern across process lifetimes.
func (s *Store) Exit() {
	s.mu.Lock()
	ids := make([]SwapID, 0, len(s.files))
	for id := range s.files {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.mu.Lock()
		f, ok := s.files[id]
		if ok && f.backing != nil {
			f.backing.Close()
		}
		name := ""
		if ok {
			name = f.name
		}
		delete(s.files, id)
		s.dropFromOpenOrder(id)
		s.mu.Unlock()
		if ok {
			if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
				s.logOnce("exit-unlink", fmt.Sprintf("swap: failed to unlink %q: %v", name, err))
			}
		}
	}
}

// In makes a tile's payload resident: if ext is non-nil, the bytes at that
// extent are read back; otherwise an empty, zeroed buffer of size bytes is
// returned and the tile is logically "never written".
func (s *Store) In(id SwapID, ext *Extent, size int) ([]byte, error) {
	if ext == nil {
		return make([]byte, size), nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.open(id)
	if err != nil {
		s.logOnce("in-open", fmt.Sprintf("swap: open failed for swap id %d: %v", id, err))
		return make([]byte, size), err
	}
	buf := make([]byte, ext.Size())
	if _, err := f.backing.Seek(ext.Start, io.SeekStart); err != nil {
		s.logOnce("in-seek", fmt.Sprintf("swap: seek failed for swap id %d: %v", id, err))
		return make([]byte, size), err
	}
	if _, err := io.ReadFull(f.backing, buf); err != nil {
		s.logOnce("in-read", fmt.Sprintf("swap: read failed for swap id %d: %v", id, err))
		return make([]byte, size), err
	}
	return buf, nil
}

// InAsync is an advisory prefetch hint: it is allowed to
// be a no-op. The default store runs In on a new goroutine and passes
// its result to done, so the calling goroutine does not block on the read.
func (s *Store) InAsync(id SwapID, ext *Extent, size int, done func([]byte, error)) {
	go func() { done(s.In(id, ext, size)) }()
}

// Out ensures data is durable: if ext is nil a fresh extent is allocated
// from id's free-gap list (growing the file by the configured quantum if
// no gap fits); the bytes are written at the resulting extent, which is
// returned to the caller to remember as the tile's new swap handle.
func (s *Store) Out(id SwapID, ext *Extent, data []byte) (Extent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.open(id)
	if err != nil {
		s.logOnce("out-open", fmt.Sprintf("swap: open failed for swap id %d: %v", id, err))
		return Extent{}, err
	}

	var extent Extent
	if ext != nil {
		extent = *ext
	} else {
		extent = f.gaps.Allocate(int64(len(data)), s.growQuanta)
		if err := f.backing.Truncate(f.gaps.End()); err != nil {
			s.logOnce("out-truncate", fmt.Sprintf("swap: grow failed for swap id %d: %v", id, err))
			return Extent{}, err
		}
	}

	if _, err := f.backing.Seek(extent.Start, io.SeekStart); err != nil {
		s.logOnce("out-seek", fmt.Sprintf("swap: seek failed for swap id %d: %v", id, err))
		return Extent{}, err
	}
	if _, err := f.backing.Write(data); err != nil {
		s.logOnce("out-write", fmt.Sprintf("swap: write failed for swap id %d: %v", id, err))
		return Extent{}, err
	}
	return extent, nil
}

// Delete releases ext back to id's free-gap list, merging with adjacent
// gaps and truncating the file if the release reaches the logical end.
func (s *Store) Delete(id SwapID, ext Extent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.open(id)
	if err != nil {
		s.logOnce("delete-open", fmt.Sprintf("swap: open failed for swap id %d: %v", id, err))
		return err
	}
	f.gaps.Free(ext)
	if err := f.backing.Truncate(f.gaps.End()); err != nil {
		s.logOnce("delete-truncate", fmt.Sprintf("swap: truncate failed for swap id %d: %v", id, err))
		return err
	}
	return nil
}

// Compress is part of the store's external interface but has no
// implemented body in the source; left as a documented no-op.
func (s *Store) Compress(id SwapID, ext Extent) error {
	return nil
}

// open returns an open backing for id, opening it (and evicting the
// least-recently-used open file if the fd limit is reached) if needed.
// Must be called with s.mu held.
func (s *Store) open(id SwapID) (*swapFile, error) {
	f, ok := s.files[id]
	if !ok {
		return nil, fmt.Errorf("swap: unknown swap id %d", id)
	}
	if f.backing != nil {
		s.touchOpenOrder(id)
		return f, nil
	}

	for len(s.openOrder) >= s.fdLimit {
		oldest := s.openOrder[0]
		s.openOrder = s.openOrder[1:]
		if of, ok := s.files[oldest]; ok && of.backing != nil {
			of.backing.Close()
			of.backing = nil
		}
	}

	backing, err := f.open(f.name)
	if err != nil {
		return nil, err
	}
	if end, err := backing.Seek(0, io.SeekEnd); err == nil {
		f.gaps.growEnd(end)
	}
	f.backing = backing
	s.touchOpenOrder(id)
	return f, nil
}

func (s *Store) touchOpenOrder(id SwapID) {
	s.dropFromOpenOrder(id)
	s.openOrder = append(s.openOrder, id)
}

func (s *Store) dropFromOpenOrder(id SwapID) {
	for i, o := range s.openOrder {
		if o == id {
			s.openOrder = append(s.openOrder[:i], s.openOrder[i+1:]...)
			return
		}
	}
}

func (s *Store) logOnce(kind, msg string) {
	s.loggedOnce.Lock()
	defer s.loggedOnce.Unlock()
	if s.loggedKind[kind] {
		return
	}
	s.loggedKind[kind] = true
	s.log.Warn(msg)
}
