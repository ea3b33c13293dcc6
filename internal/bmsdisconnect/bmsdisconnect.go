// Package bmsdisconnect recovers a BMS address that the host OS Bluetooth
// stack already holds connected, by shelling out to bluetoothctl. There is
// no Go client for bluetoothctl's interactive protocol in the dependency
// pack; this stays a thin os/exec wrapper for that reason alone (see
// DESIGN.md).
package bmsdisconnect

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	disconnectRetries = 3
	retryDelay        = 2 * time.Second
	commandTimeout    = 15 * time.Second
)

// Status is the parsed output of `bluetoothctl info <mac>`.
type Status struct {
	Name      string
	Connected bool
	Paired    bool
	Trusted   bool
	Available bool
	Err       error
}

// Result mirrors the shape of the original auto-disconnect helper's report,
// consumed by transport.Session on the DeviceNotFound recovery path (§6).
type Result struct {
	MACAddress       string
	InitialConnected bool
	ActionTaken      string // "none" | "disconnect"
	FinalConnected   bool
	Success          bool
	Message          string
}

// Runner shells out to bluetoothctl to inspect and, if necessary, release a
// system-owned connection to one BMS address.
type Runner struct {
	logger  *logrus.Logger
	runCmd  func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewRunner constructs a Runner. logger may be nil.
func NewRunner(logger *logrus.Logger) *Runner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Runner{
		logger: logger,
		runCmd: runCommand,
	}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

func (r *Runner) checkStatus(ctx context.Context, mac string) Status {
	cctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	out, err := r.runCmd(cctx, "bluetoothctl", "info", mac)
	text := string(out)
	lower := strings.ToLower(text)

	if err != nil {
		if strings.Contains(lower, "not available") {
			return Status{Available: false}
		}
		return Status{Err: err}
	}

	status := Status{Available: true}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "Name:"):
			status.Name = strings.TrimSpace(strings.TrimPrefix(line, "Name:"))
		case strings.HasPrefix(line, "Connected:"):
			status.Connected = strings.Contains(strings.ToLower(line), "yes")
		case strings.HasPrefix(line, "Paired:"):
			status.Paired = strings.Contains(strings.ToLower(line), "yes")
		case strings.HasPrefix(line, "Trusted:"):
			status.Trusted = strings.Contains(strings.ToLower(line), "yes")
		}
	}
	return status
}

func (r *Runner) disconnect(ctx context.Context, mac string) bool {
	for attempt := 1; attempt <= disconnectRetries; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, commandTimeout)
		out, err := r.runCmd(cctx, "bluetoothctl", "disconnect", mac)
		cancel()

		lower := strings.ToLower(string(out))
		if err == nil {
			time.Sleep(retryDelay)
			if status := r.checkStatus(ctx, mac); !status.Connected {
				return true
			}
			r.logger.WithField("attempt", attempt).Warn("device still shows connected after disconnect")
		} else if strings.Contains(lower, "not connected") {
			return true
		} else {
			r.logger.WithFields(logrus.Fields{"attempt": attempt, "output": lower}).Warn("bluetoothctl disconnect failed")
		}

		if attempt < disconnectRetries {
			time.Sleep(retryDelay)
		}
	}
	return false
}

// Run inspects mac's current OS-level connection state and releases it if
// the system already holds it connected, per §6's recovery step on
// ErrDeviceNotFound.
func (r *Runner) Run(ctx context.Context, mac string) (Result, error) {
	mac = strings.ToUpper(mac)
	result := Result{MACAddress: mac, ActionTaken: "none"}

	initial := r.checkStatus(ctx, mac)
	result.InitialConnected = initial.Connected

	if !initial.Available {
		result.Success = true
		result.Message = "device not available"
		return result, nil
	}
	if initial.Err != nil {
		result.Message = "status check failed"
		return result, initial.Err
	}
	if !initial.Connected {
		result.Success = true
		result.Message = "device not connected at OS level"
		return result, nil
	}

	r.logger.WithField("mac", mac).Info("system-owned BMS connection detected, disconnecting")
	result.ActionTaken = "disconnect"

	disconnected := r.disconnect(ctx, mac)
	final := r.checkStatus(ctx, mac)
	result.FinalConnected = final.Connected
	result.Success = disconnected && !final.Connected
	if result.Success {
		result.Message = "device released from OS-level connection"
	} else {
		result.Message = "failed to release device from OS-level connection"
	}
	return result, nil
}
