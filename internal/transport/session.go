// Package transport owns the BLE GATT connection to one Daly-family BMS:
// connect/scan/recover, notification collection, and write-without-response.
package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"

	"github.com/srg/dalybms/internal/bmsdisconnect"
)

// Fixed characteristic UUIDs for the Daly D2-Modbus-over-BLE dialect (§6).
const (
	WriteCharUUID  = "0000fff2-0000-1000-8000-00805f9b34fb"
	NotifyCharUUID = "0000fff1-0000-1000-8000-00805f9b34fb"

	// NamePrefix is the advertised name prefix used for scan fallback matching.
	NamePrefix = "DL-"

	directConnectTimeout = 10 * time.Second
	scanTimeout          = 15 * time.Second
	connectRounds        = 3

	notifyRingBufferBytes = 4096
)

// DeviceFactory creates ble.Device instances; overridable in tests.
var DeviceFactory = func() (ble.Device, error) {
	return darwin.NewDevice()
}

// DisconnectHelper invokes the OS Bluetooth control surface to force-release
// a stale system-owned connection. Injected so tests can fake it.
type DisconnectHelper interface {
	Run(ctx context.Context, mac string) (bmsdisconnect.Result, error)
}

// Session is a single, serially-used BLE connection to one BMS address.
// It is pinned to one goroutine by construction: the Poll Scheduler never
// issues concurrent Connect/Send/Disconnect calls.
type Session struct {
	logger  *logrus.Logger
	address string
	helper  DisconnectHelper

	mu          sync.Mutex
	client      ble.Client
	writeChar   *ble.Characteristic
	notifyChar  *ble.Characteristic
	connected   bool
	linkStatus  string // "connected" | "disconnected" | "error"

	respMu  sync.Mutex
	frames  [][]byte
	byteBuf *ringbuffer.RingBuffer
}

// NewSession constructs a Session for address, using helper for the
// system-owned-handle recovery path on DeviceNotFound.
func NewSession(logger *logrus.Logger, address string, helper DisconnectHelper) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	return &Session{
		logger:     logger,
		address:    address,
		helper:     helper,
		linkStatus: "disconnected",
		byteBuf:    ringbuffer.New(notifyRingBufferBytes),
	}
}

// IsConnected reports the current connection flag.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// LinkStatus reports the last observed link status tag.
func (s *Session) LinkStatus() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.linkStatus
}

// Connect attempts up to connectRounds rounds per §4.2: a direct dial by
// address first, then broad scans matching address or the "DL-" name prefix.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.mu.Unlock()

	dev, err := DeviceFactory()
	if err != nil {
		return fmt.Errorf("transport: create BLE device: %w", err)
	}
	ble.SetDefaultDevice(dev)

	var lastErr error
	for round := 1; round <= connectRounds; round++ {
		var client ble.Client
		if round == 1 {
			client, lastErr = s.dialDirect(ctx)
		} else {
			client, lastErr = s.dialViaScan(ctx)
		}

		if lastErr == nil {
			return s.finishConnect(ctx, client)
		}

		s.logger.WithFields(logrus.Fields{
			"round": round,
			"error": lastErr,
		}).Warn("BLE connect attempt failed")

		categorized := categorizeConnectError(lastErr)
		if round == 1 && isDeviceNotFound(categorized) && s.helper != nil {
			s.recoverSystemOwnedHandle(ctx)
		}
		lastErr = categorized
	}

	s.setLinkStatus("error")
	return fmt.Errorf("transport: connect failed after %d rounds: %w", connectRounds, lastErr)
}

func isDeviceNotFound(err error) bool {
	return err != nil && (err == ErrDeviceNotFound || errorsIs(err, ErrDeviceNotFound))
}

// recoverSystemOwnedHandle runs the external disconnect helper best-effort;
// failures are logged and do not abort the reconnect sequence.
func (s *Session) recoverSystemOwnedHandle(ctx context.Context) {
	res, err := s.helper.Run(ctx, s.address)
	if err != nil {
		s.logger.WithError(err).Warn("system-disconnect helper failed")
		return
	}
	s.logger.WithFields(logrus.Fields{
		"action_taken":    res.ActionTaken,
		"initial_connected": res.InitialConnected,
		"final_connected":   res.FinalConnected,
		"success":           res.Success,
	}).Info("system-disconnect helper completed")
}

func (s *Session) dialDirect(ctx context.Context) (ble.Client, error) {
	dctx, cancel := context.WithTimeout(ctx, directConnectTimeout)
	defer cancel()
	client, err := ble.Dial(dctx, ble.NewAddr(s.address))
	if err != nil {
		return nil, fmt.Errorf("direct dial: %w", err)
	}
	return client, nil
}

func (s *Session) dialViaScan(ctx context.Context) (ble.Client, error) {
	sctx, cancel := context.WithTimeout(ctx, scanTimeout)
	defer cancel()

	found := make(chan ble.Advertisement, 1)
	filter := func(adv ble.Advertisement) bool {
		if strings.EqualFold(adv.Addr().String(), s.address) {
			return true
		}
		return strings.HasPrefix(adv.LocalName(), NamePrefix)
	}
	handler := func(adv ble.Advertisement) {
		select {
		case found <- adv:
		default:
		}
	}

	go func() {
		_ = ble.Scan(sctx, false, handler, filter)
	}()

	select {
	case adv := <-found:
		_ = ble.Stop()
		dctx, cancel2 := context.WithTimeout(ctx, directConnectTimeout)
		defer cancel2()
		client, err := ble.Dial(dctx, adv.Addr())
		if err != nil {
			return nil, fmt.Errorf("scan-then-dial: %w", err)
		}
		return client, nil
	case <-sctx.Done():
		return nil, fmt.Errorf("scan: device not found: %w", sctx.Err())
	}
}

// finishConnect discovers the two fixed characteristics and enables
// notifications on the notify characteristic.
func (s *Session) finishConnect(ctx context.Context, client ble.Client) error {
	profile, err := client.DiscoverProfile(true)
	if err != nil {
		_ = client.CancelConnection()
		return fmt.Errorf("transport: discover profile: %w", err)
	}

	var writeChar, notifyChar *ble.Characteristic
	for _, svc := range profile.Services {
		for _, c := range svc.Characteristics {
			switch strings.ToLower(c.UUID.String()) {
			case normalizeUUID(WriteCharUUID):
				writeChar = c
			case normalizeUUID(NotifyCharUUID):
				notifyChar = c
			}
		}
	}
	if writeChar == nil || notifyChar == nil {
		_ = client.CancelConnection()
		return fmt.Errorf("transport: BMS characteristics not found on device")
	}

	if err := client.Subscribe(notifyChar, false, s.onNotification); err != nil {
		_ = client.CancelConnection()
		return fmt.Errorf("%w: %v", ErrNotifySubscribeFailed, err)
	}

	s.mu.Lock()
	s.client = client
	s.writeChar = writeChar
	s.notifyChar = notifyChar
	s.connected = true
	s.linkStatus = "connected"
	s.mu.Unlock()

	s.logger.WithField("address", s.address).Info("BMS connected")
	return nil
}

func normalizeUUID(u string) string {
	return strings.ToLower(strings.ReplaceAll(u, "-", ""))
}

func (s *Session) onNotification(data []byte) {
	s.respMu.Lock()
	defer s.respMu.Unlock()
	frame := append([]byte(nil), data...)
	s.frames = append(s.frames, frame)
	_, _ = s.byteBuf.Write(data)
}

// Send clears the response buffer, writes request without waiting for a
// response, suspends for wait, and returns whatever notifications were
// buffered during that window. Echo frames are NOT filtered here; callers
// use protocol.IsEcho before decoding (§4.2).
func (s *Session) Send(ctx context.Context, request []byte, wait time.Duration) ([][]byte, error) {
	s.mu.Lock()
	client := s.client
	writeChar := s.writeChar
	connected := s.connected
	s.mu.Unlock()

	if !connected || client == nil {
		return nil, ErrNotConnected
	}

	s.respMu.Lock()
	s.frames = nil
	s.byteBuf.Reset()
	s.respMu.Unlock()

	if err := client.WriteCharacteristic(writeChar, request, true); err != nil {
		s.setLinkStatus("error")
		return nil, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}

	s.respMu.Lock()
	frames := make([][]byte, len(s.frames))
	copy(frames, s.frames)
	s.respMu.Unlock()

	return frames, nil
}

func (s *Session) setLinkStatus(status string) {
	s.mu.Lock()
	s.linkStatus = status
	s.mu.Unlock()
}

// Disconnect tears down notifications and the GATT link. Safe to call when
// already disconnected.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	client := s.client
	notifyChar := s.notifyChar
	s.client = nil
	s.writeChar = nil
	s.notifyChar = nil
	s.connected = false
	s.linkStatus = "disconnected"
	s.mu.Unlock()

	if client == nil {
		return nil
	}

	if notifyChar != nil {
		if err := client.Unsubscribe(notifyChar, false); err != nil {
			s.logger.WithError(err).Debug("unsubscribe failed during disconnect")
		}
	}
	if err := client.CancelConnection(); err != nil {
		return fmt.Errorf("transport: disconnect: %w", err)
	}
	return nil
}

// errorsIs reports whether target appears in err's chain of single-error
// Unwrap methods; errors that wrap several errors are not searched.
func errorsIs(err, target error) bool {
	for err != nil {
		if err == target {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
