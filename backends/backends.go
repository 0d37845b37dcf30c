// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the device-stream API that the kernel solvers consume: scoped buffer
// allocation, kernel compilation, kernel dispatch and synchronization.
//
// Backends register a Constructor under a name, and clients select one with the environment
// variable FUSEDCONV_BACKEND (see ConfigEnvVar), or DefaultConfig, or simply the first registered one.
package backends

import (
	"os"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// ErrNotImplemented indicates a backend can't build or run the requested kernel (e.g. unknown
// kernel source). Backends should wrap this error, so callers can distinguish "not supported"
// from genuine bugs.
var ErrNotImplemented = errors.New("kernel not implemented")

// Backend is the API that needs to be implemented by a device backend.
//
// Each Backend owns exactly one execution queue (its Stream), kernels are executed in the
// order they are dispatched.
type Backend interface {
	// Name returns the short name of the backend. E.g.: "go" for the simulated Go device.
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// Stream is the sub-interface used to allocate memory, compile and dispatch kernels.
	Stream

	// Finalize releases all the associated resources immediately, and makes the backend invalid.
	Finalize()
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) (Backend, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register backend with the given name, and a default constructor that takes as input a configuration string that is
// passed along to the backend constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// List the names of the registered backends, sorted.
func List() []string {
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// DefaultConfig is the name of the default backend configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// ConfigEnvVar is the environment variable with the default backend configuration to use.
//
// The format of config is "<backend_name>:<backend_configuration>".
const ConfigEnvVar = "FUSEDCONV_BACKEND"

// New returns a new default Backend.
//
// The default is:
//
// 1. The environment FUSEDCONV_BACKEND is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered backend is used with an empty configuration.
func New() (Backend, error) {
	config, found := os.LookupEnv(ConfigEnvVar)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// MustNew returns a new default Backend or panics if it fails.
func MustNew() Backend {
	backend, err := New()
	if err != nil {
		exceptions.Panicf("backends.MustNew(): %+v", err)
	}
	return backend
}

// NewWithConfig takes a configuration string formatted as "<backend_name>:<backend_configuration>".
//
// The "<backend_name>" is the name of a registered backend (e.g.: "go") and
// "<backend_configuration>" is backend specific.
// If there is no ":" the whole string is taken as the backend name, an empty string selects
// the first registered backend.
func NewWithConfig(config string) (Backend, error) {
	if len(registeredConstructors) == 0 {
		return nil, errors.New(`no registered backends -- maybe import the simulated one with import _ "github.com/gomlx/fusedconv/backends/simgo"?`)
	}
	backendName := firstRegistered
	var backendConfig string
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	} else if config != "" {
		backendName = config
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		return nil, errors.Errorf("can't find backend %q for configuration %q given, registered backends: %q",
			backendName, config, List())
	}
	return constructor(backendConfig)
}
