// pkg/blocking/blocking.go - waits for helper processes started by vendor extractors

package blocking

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/windowsadmins/autopackager/pkg/logging"
)

// processNames lists the names of running processes; replaced in tests.
var processNames = func(ctx context.Context) ([]string, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// matches compares a process name against an app name given with or without .exe.
func matches(processName, appName string) bool {
	processName = strings.ToLower(processName)
	appName = strings.ToLower(appName)
	if strings.HasSuffix(appName, ".exe") {
		return processName == appName
	}
	return processName == appName || processName == appName+".exe"
}

// RunningApps returns the subset of appNames that currently have a process.
func RunningApps(ctx context.Context, appNames []string) ([]string, error) {
	if len(appNames) == 0 {
		return nil, nil
	}
	names, err := processNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get process list: %w", err)
	}

	var running []string
	for _, app := range appNames {
		for _, name := range names {
			if matches(name, app) {
				running = append(running, app)
				break
			}
		}
	}
	return running, nil
}

// IsAppRunning checks if a specific application is currently running
func IsAppRunning(ctx context.Context, appName string) bool {
	running, err := RunningApps(ctx, []string{appName})
	if err != nil {
		logging.Error("Failed to get process list", "error", err)
		return false
	}
	return len(running) > 0
}

// WaitForExit polls until none of appNames is running, the timeout expires or
// ctx is done. A zero timeout waits as long as ctx allows.
func WaitForExit(ctx context.Context, appNames []string, poll, timeout time.Duration) error {
	if len(appNames) == 0 {
		return nil
	}
	if poll <= 0 {
		poll = time.Second
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		running, err := RunningApps(ctx, appNames)
		if err != nil {
			return err
		}
		if len(running) == 0 {
			return nil
		}
		logging.Debug("Waiting for processes to exit", "running", running)

		select {
		case <-ctx.Done():
			return fmt.Errorf("processes still running (%s): %w", strings.Join(running, ", "), ctx.Err())
		case <-ticker.C:
		}
	}
}
