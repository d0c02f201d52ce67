package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/kardianos/service"

	"github.com/linyinli/llama-box/core"
	"github.com/linyinli/llama-box/shutdown"
)

// serviceStopTimeout bounds Stop. It leaves room for the full graceful
// shutdown sequence.
const serviceStopTimeout = shutdown.DefaultTimeout + 5*time.Second

// program adapts run to the service.Interface lifecycle.
type program struct {
	cancel context.CancelFunc
	done   chan struct{}
	code   int
	run    func(ctx context.Context, out io.Writer) int
}

func newProgram() *program {
	return &program{run: run}
}

// Start must not block, so run goes on its own goroutine.
func (p *program) Start(s service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		p.code = p.run(ctx, os.Stdout)
		if p.code != core.ExitCodeSuccess && !service.Interactive() {
			// Let the service manager see the failure and apply its
			// restart policy.
			os.Exit(p.code)
		}
	}()
	return nil
}

// Stop cancels run and waits for the graceful shutdown to finish.
func (p *program) Stop(s service.Service) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()

	select {
	case <-p.done:
		return nil
	case <-time.After(serviceStopTimeout):
		return fmt.Errorf("timeout waiting for llama-box to stop after %s", serviceStopTimeout)
	}
}

// ServiceConfig describes the llama-box service to the platform service
// manager (Windows SCM, systemd, launchd).
func ServiceConfig() *service.Config {
	return &service.Config{
		Name:        core.AppName,
		DisplayName: "llama-box image server",
		Description: "OpenAI-compatible image generation server backed by stable-diffusion.cpp",
		Option: service.KeyValue{
			"StartType":         "automatic",
			"OnFailure":         "restart",
			"Restart":           "on-failure",
			"SuccessExitStatus": "130 143",
		},
	}
}

func newService(p *program) (service.Service, error) {
	s, err := service.New(p, ServiceConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}
	return s, nil
}

// RunAsService runs llama-box under the service manager. It reports false
// when the process was started from a terminal.
func RunAsService() (bool, error) {
	if service.Interactive() {
		return false, nil
	}
	s, err := newService(newProgram())
	if err != nil {
		return false, err
	}
	if err := s.Run(); err != nil {
		return true, fmt.Errorf("service run failed: %w", err)
	}
	return true, nil
}

// serviceControl and serviceStatus talk to the platform service manager.
// Tests replace them.
var (
	serviceControl = func(action string) error {
		s, err := newService(newProgram())
		if err != nil {
			return err
		}
		return service.Control(s, action)
	}
	serviceStatus = func() (service.Status, error) {
		s, err := newService(newProgram())
		if err != nil {
			return service.StatusUnknown, err
		}
		return s.Status()
	}
)

// serviceActions maps command-line verbs to service.Control actions.
var serviceActions = map[string]string{
	"install":   "install",
	"uninstall": "uninstall",
	"remove":    "uninstall",
	"start":     "start",
	"stop":      "stop",
	"restart":   "restart",
}

// HandleServiceCommand handles "llama-box <command>" service management.
// It reports whether args named a service command.
func HandleServiceCommand(args []string, out io.Writer) (bool, error) {
	if len(args) < 2 {
		return false, nil
	}

	command := args[1]
	if action, ok := serviceActions[command]; ok {
		if err := serviceControl(action); err != nil {
			return true, fmt.Errorf("failed to %s service: %w", action, err)
		}
		fmt.Fprintf(out, "Service %s: done\n", action)
		return true, nil
	}

	switch command {
	case "status":
		status, err := serviceStatus()
		if err != nil {
			return true, fmt.Errorf("failed to get service status: %w", err)
		}
		fmt.Fprintf(out, "Service is %s\n", statusName(status))
		return true, nil
	case "version", "--version", "-v":
		fmt.Fprintln(out, core.GetVersionInfo())
		return true, nil
	case "help", "-h", "--help", "-help":
		printServiceUsage(out)
		return true, nil
	default:
		return false, nil
	}
}

func statusName(s service.Status) string {
	switch s {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "in an unknown state"
	}
}

func printServiceUsage(out io.Writer) {
	fmt.Fprintf(out, `llama-box %s

Usage: llama-box [command]

Commands:
  install    Install llama-box as a system service
  uninstall  Remove the system service (alias: remove)
  start      Start the service
  stop       Stop the service
  restart    Restart the service
  status     Show the service status
  version    Print version information
  help       Show this help message

Run without a command to serve in the foreground. Configuration is read
from the environment and an optional .env file.
`, core.Version)
}
