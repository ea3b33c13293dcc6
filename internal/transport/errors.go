package transport

import (
	"errors"
	"fmt"
	"strings"
)

// Transport error kinds (spec §7 "Transport"). Connect errors are
// categorized for the Poll Scheduler; send errors set link status to error.
var (
	ErrDeviceNotFound        = errors.New("transport: device not found")
	ErrConnectTimeout        = errors.New("transport: connect timed out")
	ErrNotifySubscribeFailed = errors.New("transport: failed to subscribe to notifications")
	ErrWriteFailed           = errors.New("transport: write failed")
	ErrLinkLost              = errors.New("transport: link lost")
	ErrAlreadyConnected      = errors.New("transport: already connected")
	ErrNotConnected          = errors.New("transport: not connected")
)

// categorizeConnectError maps a raw dial error to one of the above
// sentinels so Session.Connect can decide whether to invoke the
// system-disconnect helper (only on ErrDeviceNotFound).
func categorizeConnectError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not found") || strings.Contains(msg, "no such device") || strings.Contains(msg, "unknown peripheral"):
		return fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return fmt.Errorf("%w: %v", ErrConnectTimeout, err)
	default:
		return err
	}
}
