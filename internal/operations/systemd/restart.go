package systemd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/CloudNativeWorks/elchi-ota/internal/config"
	"github.com/CloudNativeWorks/elchi-ota/pkg/logger"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/coreos/go-systemd/v22/login1"
)

// ExitCodeRestart is the exit status the exit restarter uses. Units run
// with RestartForceExitStatus=75 come back up on the new binary.
const ExitCodeRestart = 75

type unitConn interface {
	RestartUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	Close()
}

// UnitRestarter restarts a systemd unit over D-Bus and waits for the job.
type UnitRestarter struct {
	unit   string
	dial   func(ctx context.Context) (unitConn, error)
	logger *logger.Logger
}

func NewUnitRestarter(unit string) *UnitRestarter {
	if !strings.Contains(unit, ".") {
		unit = unit + ".service"
	}
	return &UnitRestarter{
		unit: unit,
		dial: func(ctx context.Context) (unitConn, error) {
			return dbus.NewWithContext(ctx)
		},
		logger: logger.NewLogger("systemd"),
	}
}

func (r *UnitRestarter) Restart(ctx context.Context) error {
	conn, err := r.dial(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to systemd: %w", err)
	}
	defer conn.Close()

	done := make(chan string, 1)
	if _, err := conn.RestartUnitContext(ctx, r.unit, "replace", done); err != nil {
		return fmt.Errorf("failed to restart %s: %w", r.unit, err)
	}

	select {
	case result := <-done:
		if result != "done" {
			return fmt.Errorf("restart job for %s finished with %q", r.unit, result)
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	r.logger.Infof("Service %s restarted successfully", r.unit)
	return nil
}

// RebootRestarter reboots the device through logind.
type RebootRestarter struct {
	logger *logger.Logger
}

func NewRebootRestarter() *RebootRestarter {
	return &RebootRestarter{logger: logger.NewLogger("systemd")}
}

func (r *RebootRestarter) Restart(ctx context.Context) error {
	conn, err := login1.New()
	if err != nil {
		return fmt.Errorf("failed to connect to logind: %w", err)
	}
	defer conn.Close()

	r.logger.Warn("Rebooting into the new image")
	conn.Reboot(false)
	return nil
}

// ExitRestarter terminates the process and leaves the restart to the
// service manager.
type ExitRestarter struct {
	exit   func(code int)
	logger *logger.Logger
}

func NewExitRestarter() *ExitRestarter {
	return &ExitRestarter{exit: os.Exit, logger: logger.NewLogger("systemd")}
}

func (r *ExitRestarter) Restart(ctx context.Context) error {
	r.logger.Warnf("Exiting with status %d for restart", ExitCodeRestart)
	Notify(daemon.SdNotifyStopping)
	r.exit(ExitCodeRestart)
	return nil
}

// Restarter is the shared shape of the restarters above.
type Restarter interface {
	Restart(ctx context.Context) error
}

// NewRestarter picks the restarter for the configured restart mode.
func NewRestarter(cfg config.ApplyConfig) (Restarter, error) {
	switch cfg.Restart {
	case config.RestartUnit:
		return NewUnitRestarter(cfg.Unit), nil
	case config.RestartReboot:
		return NewRebootRestarter(), nil
	case config.RestartExit:
		return NewExitRestarter(), nil
	default:
		return nil, fmt.Errorf("unknown restart mode %q", cfg.Restart)
	}
}

// Notify forwards state to the service manager when running under
// systemd; it is a no-op otherwise.
func Notify(state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		logger.NewLogger("systemd").Debugf("sd_notify %s: %v", state, err)
	}
}
