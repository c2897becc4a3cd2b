package ramdisk

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/edsrzf/mmap-go"
)

// Store is the memory that stands in for the device medium.
// It is an anonymous private mapping, so untouched pages cost nothing and read as zeroes.
type Store struct {
	data     mmap.MMap
	size     int64
	released atomic.Bool
}

func NewStore(size int64) (*Store, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid store size %d", size)
	}

	if size > math.MaxInt {
		return nil, fmt.Errorf("size too big: %d > %d", size, math.MaxInt)
	}

	mm, err := mmap.MapRegion(nil, int(size), mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, fmt.Errorf("error mapping memory: %w", err)
	}

	return &Store{
		data: mm,
		size: size,
	}, nil
}

func (s *Store) Size() int64 {
	return s.size
}

func (s *Store) Bytes() []byte {
	return s.data
}

func (s *Store) Released() bool {
	return s.released.Load()
}

// Release unmaps the memory. It is safe to call more than once.
func (s *Store) Release() error {
	if !s.released.CompareAndSwap(false, true) {
		return nil
	}

	err := s.data.Unmap()
	s.data = nil
	if err != nil {
		return fmt.Errorf("error unmapping memory: %w", err)
	}

	return nil
}
