package permissions

import (
	"context"
	"errors"
	"time"
)

// Status mirrors AVAuthorizationStatus
type Status int

const (
	NotDetermined Status = 0
	Restricted    Status = 1
	Denied        Status = 2
	Authorized    Status = 3
)

func (s Status) String() string {
	switch s {
	case NotDetermined:
		return "not determined"
	case Restricted:
		return "restricted"
	case Denied:
		return "denied"
	case Authorized:
		return "authorized"
	}
	return "unknown"
}

var ErrMicrophoneDenied = errors.New("microphone permission not granted")

// Platform hooks, replaced in tests
var (
	microphoneStatus  = platformMicrophoneStatus
	requestMicrophone = platformRequestMicrophone
	pollInterval      = 200 * time.Millisecond
)

// Microphone returns the current microphone permission status
func Microphone() Status {
	return microphoneStatus()
}

// EnsureMicrophone asks for microphone access if the user has not decided yet
// and waits for the answer until ctx is done.
func EnsureMicrophone(ctx context.Context) error {
	switch microphoneStatus() {
	case Authorized:
		return nil
	case Denied, Restricted:
		return ErrMicrophoneDenied
	}

	requestMicrophone()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		switch microphoneStatus() {
		case Authorized:
			return nil
		case Denied, Restricted:
			return ErrMicrophoneDenied
		}
	}
}
