package opshttp

import (
	"net/http"

	"github.com/keithlinneman/sitekit/internal/health"
	"github.com/keithlinneman/sitekit/internal/startup"
)

// DefaultPort is the admin port when Options.Port is 0.
const DefaultPort = 9000

// StartupStatus is the part of the startup gate /-/startup reports.
type StartupStatus interface {
	State() startup.State
	Level() int
}

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe
	// Startup, when set, is reported as JSON at /-/startup.
	Startup StartupStatus

	UseRecoverMW bool
	// OnPanic is called for every recovered panic, e.g. to count them.
	OnPanic func()
}
