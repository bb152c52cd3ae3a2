//go:build !unix

package signal

import (
	"os"
	"sync"
)

// sharedFlag stores the flag as the first byte of the file on platforms
// without a shared mapping.
type sharedFlag struct {
	mu   sync.Mutex
	path string
}

func mapFlag(path string, create bool) (*sharedFlag, error) {
	if create {
		if err := os.WriteFile(path, []byte{0}, 0o600); err != nil {
			return nil, err
		}
	} else if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return &sharedFlag{path: path}, nil
}

func (f *sharedFlag) load() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, err := os.ReadFile(f.path)
	if err != nil || len(b) == 0 {
		return 0
	}
	return uint32(b[0])
}

func (f *sharedFlag) store(v uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_ = os.WriteFile(f.path, []byte{byte(v)}, 0o600)
}

func (f *sharedFlag) close() error { return nil }
