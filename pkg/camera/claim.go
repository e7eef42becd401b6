package camera

import (
	"fmt"
	"sync"
)

var (
	claimsMu sync.Mutex
	claims   = make(map[string]struct{})
)

// Claim marks the device at path as held by the caller. A second claim on
// the same path fails with ErrDeviceBusy until release is called.
func Claim(path string) (release func(), err error) {
	claimsMu.Lock()
	defer claimsMu.Unlock()

	if _, held := claims[path]; held {
		return nil, fmt.Errorf("%w: %s", ErrDeviceBusy, path)
	}
	claims[path] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			claimsMu.Lock()
			delete(claims, path)
			claimsMu.Unlock()
		})
	}, nil
}

// Claimed reports whether the device at path is currently held.
func Claimed(path string) bool {
	claimsMu.Lock()
	defer claimsMu.Unlock()
	_, held := claims[path]
	return held
}
