//go:build unix

package signal

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// sharedFlag is a 32-bit word at the start of a MAP_SHARED file mapping.
// Once unmapped it keeps answering with the last value it saw.
type sharedFlag struct {
	mu   sync.RWMutex
	data []byte
	word *uint32
	last uint32
}

func mapFlag(path string, create bool) (*sharedFlag, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	size := os.Getpagesize()
	if create {
		if err := f.Truncate(int64(size)); err != nil {
			return nil, err
		}
	} else {
		fi, err := f.Stat()
		if err != nil {
			return nil, err
		}
		if fi.Size() < 4 {
			return nil, fmt.Errorf("signal file too small (%d bytes)", fi.Size())
		}
		size = int(fi.Size())
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	return &sharedFlag{data: data, word: (*uint32)(unsafe.Pointer(&data[0]))}, nil
}

func (f *sharedFlag) load() uint32 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.word == nil {
		return f.last
	}
	return atomic.LoadUint32(f.word)
}

func (f *sharedFlag) store(v uint32) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.word != nil {
		atomic.StoreUint32(f.word, v)
	}
}

func (f *sharedFlag) close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.word == nil {
		return nil
	}
	f.last = atomic.LoadUint32(f.word)
	f.word = nil
	err := unix.Munmap(f.data)
	f.data = nil
	return err
}
