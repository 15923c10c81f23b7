package controller

import (
	"context"
	"time"

	"github.com/applianced/applianced/internal/cloudclient"
	"github.com/applianced/applianced/internal/command"
	"github.com/applianced/applianced/pkg/contracts"
	"github.com/applianced/applianced/pkg/models"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// UploadCommandPatch implements internal/command.Uploader by PATCHing the
// command's delta to Cloud, honoring the same 401-retry rule as every
// other authenticated call (spec.md §4.4).
func (c *Controller) UploadCommandPatch(ctx context.Context, id string, patch map[string]any) error {
	s := c.settings.Get()
	url := cloudclient.GetServiceURL(s.ServiceURL, "commands/"+id)
	_, err := c.cloud.DoJSON(ctx, "PATCH", url, patch, nil)
	return err
}

// startPolling begins long-polling Cloud for queued commands while
// connected (spec.md §4.1). The blocking HTTP call runs off the
// cooperative task loop in its own goroutine, per spec.md §5's "providers
// may perform I/O off-loop but deliver results by posting tasks back";
// every command materialized from a response is handled back on the loop.
func (c *Controller) startPolling(ctx context.Context) {
	pollCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancelPoll = func() { cancel() }
	c.mu.Unlock()

	go c.pollLoop(pollCtx)
}

func (c *Controller) pollLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s := c.settings.Get()
		url := cloudclient.GetServiceURL(s.ServiceURL, "devices/"+s.CloudID+"/commands/queue",
			cloudclient.Param{Key: "deviceId", Value: s.CloudID})

		var resp struct {
			Commands []queuedCommand `json:"commands"`
		}
		_, err := c.cloud.DoJSON(ctx, "GET", url, nil, &resp)
		if err != nil {
			log.Debug().Err(err).Msg("command poll failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		for _, qc := range resp.Commands {
			qc := qc
			c.runner.Post(func() { c.materializeCommand(ctx, qc) })
		}
	}
}

type queuedCommand struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Component  string         `json:"component"`
	Parameters map[string]any `json:"parameters"`
}

// materializeCommand validates and dispatches one Cloud-issued command
// (spec.md §4.1). Invalid commands are immediately patched to the
// error state rather than being handed to the device
// application.
func (c *Controller) materializeCommand(ctx context.Context, qc queuedCommand) {
	result, err := c.catalog.Validate(qc.Component, models.RoleOwner, qc.Parameters)
	if err != nil {
		c.rejectCommand(ctx, qc.ID, "unknownCommand", err.Error())
		return
	}
	if !result.OK() {
		c.rejectCommand(ctx, qc.ID, "invalidParameters", result.CanonicalError())
		return
	}

	inst := command.New(models.CommandInstance{
		ID:           qc.ID,
		Name:         qc.Name,
		Component:    qc.Component,
		Parameters:   qc.Parameters,
		State:        models.CommandQueued,
		Origin:       models.OriginCloud,
		CreationTime: time.Now(),
	}, c, c.runner)
	c.commands.Put(qc.ID, inst)

	handler, ok := c.handlerFor(qc.Component)
	if !ok {
		c.rejectCommand(ctx, qc.ID, "unknownCommand", "no handler registered for "+qc.Component)
		c.commands.Remove(qc.ID)
		return
	}

	if _, err := inst.Acknowledge(); err != nil {
		log.Warn().Err(err).Str("command", qc.ID).Msg("failed to acknowledge command")
		return
	}
	handler(ctx, inst)
}

func (c *Controller) rejectCommand(ctx context.Context, id, code, message string) {
	url := cloudclient.GetServiceURL(c.settings.Get().ServiceURL, "commands/"+id)
	patch := map[string]any{
		"state": string(models.CommandError),
		"error": map[string]any{"code": code, "message": message},
	}
	if _, err := c.cloud.DoJSON(ctx, "PATCH", url, patch, nil); err != nil {
		log.Warn().Err(err).Str("command", id).Msg("failed to report rejected command")
	}
}

// SubmitLocalCommand implements the Privet /commands/execute route: a
// locally originated command goes through the same validation and handler
// dispatch path as a Cloud-issued one (spec.md §4.7). Its instance uses the
// Controller as uploader, so its state changes are PATCHed to Cloud like
// those of any other command.
func (c *Controller) SubmitLocalCommand(ctx context.Context, component string, callerRole models.Role, parameters map[string]any) (*command.Instance, error) {
	result, err := c.catalog.Validate(component, callerRole, parameters)
	if err != nil {
		return nil, err
	}
	if !result.OK() {
		return nil, contracts.NewError(contracts.DomainPrivet, "invalidParams", result.CanonicalError())
	}

	id := uuid.NewString()
	inst := command.New(models.CommandInstance{
		ID:           id,
		Component:    component,
		Parameters:   parameters,
		State:        models.CommandQueued,
		Origin:       models.OriginLocal,
		CreationTime: time.Now(),
	}, c, c.runner)
	c.commands.Put(id, inst)

	handler, ok := c.handlerFor(component)
	if !ok {
		c.commands.Remove(id)
		return nil, contracts.NewError(contracts.DomainPrivet, "unknownCommand", component)
	}

	if _, err := inst.Acknowledge(); err != nil {
		return nil, err
	}
	handler(ctx, inst)
	return inst, nil
}

// startStateUpload begins the debounced state-delta uploader (spec.md
// §4.1 "State upload"): at most one upload is in flight per device;
// changes produced during an upload are queued and flushed after the
// watermark advances.
func (c *Controller) startStateUpload(ctx context.Context) {
	c.mu.Lock()
	c.ackWatermark = 0
	c.uploadInFlight = false
	c.mu.Unlock()

	c.state.Subscribe(func() {
		c.runner.Post(func() { c.maybeUploadState(ctx) })
	})
}

func (c *Controller) maybeUploadState(ctx context.Context) {
	c.mu.Lock()
	if c.uploadInFlight {
		c.mu.Unlock()
		return
	}
	watermark := c.state.LastID()
	if watermark <= c.ackWatermark {
		c.mu.Unlock()
		return
	}
	c.uploadInFlight = true
	c.mu.Unlock()

	c.runner.Post(func() { c.uploadStateOnce(ctx, watermark, cloudclient.NewBackoff()) })
}

type statePatchEntry struct {
	TimeMs int64          `json:"timeMs"`
	Patch  map[string]any `json:"patch"`
}

// uploadStateOnce uploads every change since the controller's ack
// watermark up to (and including) upTo. On a transient failure it retries
// with the shared backoff policy; on a non-401 4xx it drops the batch and
// logs, since state is idempotent and a future upload carries the current
// value (spec.md §4.1).
func (c *Controller) uploadStateOnce(ctx context.Context, upTo uint64, bo backoff.BackOff) {
	c.mu.Lock()
	from := c.ackWatermark
	c.mu.Unlock()

	changes := c.state.GetSince(from)
	patches := make([]statePatchEntry, 0, len(changes))
	for _, change := range changes {
		if change.ID > upTo {
			break
		}
		patches = append(patches, statePatchEntry{
			TimeMs: change.Timestamp.UnixMilli(),
			Patch:  map[string]any{change.PropertyPath: change.Value},
		})
	}

	if len(patches) == 0 {
		c.finishUpload(ctx, upTo, true)
		return
	}

	s := c.settings.Get()
	url := cloudclient.GetServiceURL(s.ServiceURL, "devices/"+s.CloudID+"/patchState")
	body := map[string]any{
		"requestTimeMs": time.Now().UnixMilli(),
		"patches":       patches,
	}

	resp, err := c.cloud.DoJSON(ctx, "POST", url, body, nil)
	if err == nil {
		c.finishUpload(ctx, upTo, true)
		return
	}

	status := 0
	if resp != nil {
		status = resp.Status
	}
	switch {
	case status/100 == 5 || status == 0:
		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			c.finishUpload(ctx, upTo, false)
			return
		}
		c.runner.PostDelayed(func() { c.uploadStateOnce(ctx, upTo, bo) }, delay)
	default:
		log.Warn().Err(err).Int("status", status).Msg("dropping state upload batch after client error")
		c.finishUpload(ctx, upTo, true)
	}
}

func (c *Controller) finishUpload(ctx context.Context, acked uint64, advance bool) {
	c.mu.Lock()
	c.uploadInFlight = false
	if advance {
		c.ackWatermark = acked
	}
	c.mu.Unlock()

	if advance {
		c.state.ClearUpTo(acked)
	}
	c.maybeUploadState(ctx)
}
