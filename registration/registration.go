package registration

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
)

type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

var ErrNoController = errors.New("no controlling version")

// Worker is one version of the site's offline cache.
// *offlinecache.Manager is a Worker.
type Worker interface {
	http.Handler
	Version() string
	Install(ctx context.Context) error
	Activate(ctx context.Context) error
	// Close waits for pending work of the version.
	Close(ctx context.Context) error
}

// Registration runs workers through their lifecycle and routes requests
// to the controlling one.
// It is the host of the workers: they ask it to skip waiting and to claim.
type Registration struct {
	// serializes Register and ActivateWaiting
	jobs sync.Mutex

	mu          sync.RWMutex
	installing  Worker
	waiting     Worker
	active      Worker
	controller  Worker
	skipWaiting map[string]bool
	states      map[string]State

	passthrough http.Handler
	log         zerolog.Logger
}

// New creates an empty registration.
// Until a version controls it, requests are passed to passthrough, or answered
// with 503 if passthrough is nil.
func New(passthrough http.Handler, logger *zerolog.Logger) *Registration {
	var l zerolog.Logger
	if logger == nil {
		l = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()
	} else {
		l = *logger
	}
	return &Registration{
		skipWaiting: map[string]bool{},
		states:      map[string]State{},
		passthrough: passthrough,
		log:         l.With().Str("component", "registration").Logger(),
	}
}

// Register installs the worker. If the worker skips waiting, or nothing is active yet,
// it is activated right away. Otherwise it waits until ActivateWaiting is called.
// A failed install leaves the previous version in control.
func (reg *Registration) Register(ctx context.Context, w Worker) error {
	reg.jobs.Lock()
	defer reg.jobs.Unlock()

	version := w.Version()
	reg.mu.Lock()
	if reg.active != nil && reg.active.Version() == version {
		reg.mu.Unlock()
		reg.log.Info().Str("worker", version).Msg("Version already active")
		return nil
	}
	if reg.waiting != nil && reg.waiting.Version() == version {
		reg.mu.Unlock()
		reg.log.Info().Str("worker", version).Msg("Version already waiting")
		return nil
	}
	reg.installing = w
	reg.setState(version, StateInstalling)
	reg.mu.Unlock()

	if err := w.Install(ctx); err != nil {
		reg.mu.Lock()
		reg.installing = nil
		reg.setState(version, StateRedundant)
		reg.mu.Unlock()
		return fmt.Errorf("register %s: %w", version, err)
	}

	reg.mu.Lock()
	reg.installing = nil
	replaced := reg.waiting
	reg.waiting = w
	reg.setState(version, StateInstalled)
	activateNow := reg.skipWaiting[version] || reg.active == nil
	reg.mu.Unlock()

	if replaced != nil {
		reg.retire(ctx, replaced)
	}
	if !activateNow {
		reg.log.Info().Str("worker", version).Msg("Installed, waiting")
		return nil
	}
	return reg.activate(ctx, w)
}

// ActivateWaiting activates the installed version that is waiting, if any.
func (reg *Registration) ActivateWaiting(ctx context.Context) error {
	reg.jobs.Lock()
	defer reg.jobs.Unlock()

	reg.mu.RLock()
	w := reg.waiting
	reg.mu.RUnlock()
	if w == nil {
		return nil
	}
	return reg.activate(ctx, w)
}

func (reg *Registration) activate(ctx context.Context, w Worker) error {
	version := w.Version()
	reg.mu.Lock()
	previous := reg.active
	reg.waiting = nil
	reg.active = w
	reg.setState(version, StateActivating)
	reg.mu.Unlock()

	if previous != nil {
		reg.retire(ctx, previous)
	}

	// the version is active even if cleaning up old generations failed
	err := w.Activate(ctx)
	if err != nil {
		reg.log.Warn().Err(err).Str("worker", version).Msg("Activation incomplete")
	}

	reg.mu.Lock()
	reg.setState(version, StateActivated)
	// requests that went to the previous version now go to this one;
	// with no previous controller, only a claim routes requests here
	if previous != nil && reg.controller == previous {
		reg.controller = w
		reg.log.Info().Str("worker", version).Msg("Controlling requests")
	}
	reg.mu.Unlock()
	return err
}

// retire makes a replaced worker redundant and waits for its pending work.
func (reg *Registration) retire(ctx context.Context, w Worker) {
	reg.mu.Lock()
	reg.setState(w.Version(), StateRedundant)
	reg.mu.Unlock()
	if err := w.Close(ctx); err != nil {
		reg.log.Warn().Err(err).Str("worker", w.Version()).Msg("Could not close redundant version")
	}
}

// SkipWaiting implements offlinecache.Host.
func (reg *Registration) SkipWaiting(_ context.Context, version string) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.skipWaiting[version] = true
	reg.log.Debug().Str("worker", version).Msg("Skip waiting")
	return nil
}

// Claim implements offlinecache.Host.
// Only the active version can claim.
func (reg *Registration) Claim(_ context.Context, version string) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.active == nil || reg.active.Version() != version {
		return fmt.Errorf("claim: %s is not the active version", version)
	}
	if reg.controller != reg.active {
		reg.controller = reg.active
		reg.log.Info().Str("worker", version).Msg("Claimed, controlling requests")
	}
	return nil
}

func (reg *Registration) setState(version string, state State) {
	reg.states[version] = state
	reg.log.Debug().Str("worker", version).Str("state", string(state)).Msg("State changed")
}

// ServeHTTP routes the request to the controlling version.
func (reg *Registration) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reg.mu.RLock()
	controller := reg.controller
	reg.mu.RUnlock()

	if controller != nil {
		controller.ServeHTTP(w, r)
		return
	}
	if reg.passthrough != nil {
		reg.passthrough.ServeHTTP(w, r)
		return
	}
	http.Error(w, ErrNoController.Error(), http.StatusServiceUnavailable)
}

// Status is a snapshot of the registration.
type Status struct {
	Controller string           `json:"controller,omitempty"`
	Active     string           `json:"active,omitempty"`
	Waiting    string           `json:"waiting,omitempty"`
	Installing string           `json:"installing,omitempty"`
	States     map[string]State `json:"states"`
}

func (reg *Registration) Status() Status {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	status := Status{States: make(map[string]State, len(reg.states))}
	for version, state := range reg.states {
		status.States[version] = state
	}
	status.Controller = versionOf(reg.controller)
	status.Active = versionOf(reg.active)
	status.Waiting = versionOf(reg.waiting)
	status.Installing = versionOf(reg.installing)
	return status
}

// Controller returns the controlling version.
func (reg *Registration) Controller() (Worker, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	if reg.controller == nil {
		return nil, ErrNoController
	}
	return reg.controller, nil
}

// Close waits for pending work of all versions, at most until ctx is done.
func (reg *Registration) Close(ctx context.Context) error {
	reg.jobs.Lock()
	defer reg.jobs.Unlock()
	reg.mu.RLock()
	workers := []Worker{reg.installing, reg.waiting, reg.active}
	reg.mu.RUnlock()

	var errs []error
	for _, w := range workers {
		if w == nil {
			continue
		}
		if err := w.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", w.Version(), err))
		}
	}
	return errors.Join(errs...)
}

func versionOf(w Worker) string {
	if w == nil {
		return ""
	}
	return w.Version()
}
