package storage

import "time"

// Observer receives per-request telemetry from the transfer engine
type Observer interface {
	// ObserveRequest is called once per HTTP attempt. status is 0 when no response arrived.
	ObserveRequest(op string, status int, duration time.Duration, err error)

	// ObserveRetry is called before each retried attempt
	ObserveRetry(op string)

	// ObserveBytes reports payload bytes moved; direction is "upload" or "download"
	ObserveBytes(direction string, n int64)
}

// NopObserver discards all telemetry
type NopObserver struct{}

func (NopObserver) ObserveRequest(string, int, time.Duration, error) {}
func (NopObserver) ObserveRetry(string)                              {}
func (NopObserver) ObserveBytes(string, int64)                       {}
