package cache

import "fmt"

// FetchError reports a foreground read that failed with no
// last-known-good value to fall back on. Background refresh failures
// never surface as errors — stale data keeps being served.
type FetchError struct {
	Key string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("cache: fetch %s: %v", e.Key, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }
