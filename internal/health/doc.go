// Package health holds the probes behind /-/healthy and /-/ready.
//
// The startup gate is a Probe, so readiness stays failed until the static
// and views directories exist. A ShutdownGate fails readiness while the
// process drains, and All combines the two.
package health
