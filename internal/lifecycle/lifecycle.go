package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"watchkeeper/pkg/logging"
)

// Manager restarts the broadcast engine process when the control
// channel can no longer revive it. Implementations must be safe to call
// from the failover path while the rest of the daemon keeps running.
type Manager interface {
	Restart(ctx context.Context) error
}

// CommandManager restarts the engine by shelling out, typically to the
// service manager on the host ("systemctl restart obs" or similar).
type CommandManager struct {
	command string
	args    []string
	timeout time.Duration
	logger  logging.Logger
}

func NewCommandManager(command string, logger logging.Logger) *CommandManager {
	parts := strings.Fields(command)
	m := &CommandManager{timeout: 30 * time.Second, logger: logger}
	if len(parts) > 0 {
		m.command = parts[0]
		m.args = parts[1:]
	}
	return m
}

// Restart runs the configured restart command and waits for it to exit.
func (m *CommandManager) Restart(ctx context.Context) error {
	if m.command == "" {
		return errors.New("no engine restart command configured")
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, m.command, m.args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	m.logger.WithFields(logging.Fields{
		"command": m.command,
		"args":    strings.Join(m.args, " "),
	}).Warn("Restarting broadcast engine")

	err := cmd.Run()
	exit := 0
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			exit = ee.ExitCode()
		} else {
			exit = -1
		}
	}
	if err != nil {
		m.logger.WithFields(logging.Fields{
			"exit_code": exit,
			"stderr":    errBuf.String(),
		}).Error("Engine restart command failed")
		return fmt.Errorf("engine restart: %w", err)
	}

	m.logger.WithField("stdout", strings.TrimSpace(outBuf.String())).Info("Engine restart command completed")
	return nil
}

// NoopManager is used when no restart command is configured. Restart
// requests fail so the failover path escalates instead of pretending.
type NoopManager struct{}

func (NoopManager) Restart(context.Context) error {
	return errors.New("engine lifecycle management disabled")
}
