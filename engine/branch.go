// Package engine implements the Branch Executor (§4.5) and Execution
// Orchestrator (§4.6): the concurrent target fan-out at the heart of the
// fleet automation engine.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetconductor/conductor/core"
	"github.com/fleetconductor/conductor/credential"
	"github.com/fleetconductor/conductor/model"
	"github.com/fleetconductor/conductor/remote"
	"github.com/fleetconductor/conductor/resilience"
	"github.com/fleetconductor/conductor/serial"
)

// ActionResultRecorder is called after each ActionResult is finalised, so a
// transactional store can persist it incrementally rather than waiting for
// the whole Branch to finish (§4.5 step 3b records "one ActionResult" at a
// time). Implementations must be safe to call from many goroutines, one per
// in-flight Branch.
type ActionResultRecorder interface {
	RecordActionResult(ctx context.Context, branch *model.Branch, result model.ActionResult) error
}

// BranchExecutor runs all ordered actions of one Job against one Target
// (§4.5).
type BranchExecutor struct {
	Resolver          *credential.Resolver
	Registry          *remote.Registry
	Logger            core.Logger
	ConnectionTimeout time.Duration
	CommandTimeout    time.Duration
	Policy            *resilience.Policy
	Recorder          ActionResultRecorder // optional
}

// Run executes branch to completion (or until ctx is cancelled) and mutates
// it in place: Status, StartedAt/CompletedAt, ResultOutput/ResultError/
// ExitCode, and the ordered ActionResults slice.
func (be *BranchExecutor) Run(ctx context.Context, alloc serial.Allocator, job *model.Job, branch *model.Branch, target *model.Target) {
	now := time.Now().UTC()
	branch.StartedAt = &now

	method, ok := selectMethod(target.CommunicationMethods)
	if !ok {
		be.fail(branch, "no communication method")
		return
	}

	resolved, err := be.Resolver.Resolve(ctx, method)
	if err != nil {
		be.fail(branch, "authentication: "+err.Error())
		return
	}

	executor, err := be.Registry.Get(method.MethodType)
	if err != nil {
		be.fail(branch, err.Error())
		return
	}

	defaultPort := 0
	switch method.MethodType {
	case "ssh":
		defaultPort = remote.DefaultSSHPort
	case "winrm":
		defaultPort = remote.DefaultWinRMPort
	}

	session, err := executor.Connect(ctx, method.Host(), method.Port(defaultPort), resolved, be.ConnectionTimeout)
	if err != nil {
		be.fail(branch, err.Error())
		return
	}
	defer session.Close()

	for _, action := range job.Actions {
		select {
		case <-ctx.Done():
			be.recordCancelled(ctx, alloc, branch, action)
			be.finish(branch, model.StatusCancelled, "cancelled")
			return
		default:
		}

		result := be.runAction(ctx, alloc, session, branch, action)
		branch.ActionResults = append(branch.ActionResults, result)
		if be.Recorder != nil {
			if err := be.Recorder.RecordActionResult(ctx, branch, result); err != nil {
				be.Logger.Error("failed to record action result", map[string]interface{}{
					"branch": branch.Serial, "action_order": action.ActionOrder, "error": err.Error(),
				})
			}
		}

		if result.Status == model.ActionResultFailed {
			if ctx.Err() != nil {
				be.finish(branch, model.StatusCancelled, "cancelled")
				return
			}
			be.finish(branch, model.StatusFailed, "")
			return
		}
	}

	be.finish(branch, model.StatusCompleted, fmt.Sprintf("Executed %d actions", len(job.Actions)))
	zero := 0
	branch.ExitCode = &zero
}

func selectMethod(methods []model.CommunicationMethod) (model.CommunicationMethod, bool) {
	var fallback *model.CommunicationMethod
	for i := range methods {
		m := methods[i]
		if !m.IsActive {
			continue
		}
		if m.IsPrimary {
			return m, true
		}
		if fallback == nil {
			fallback = &methods[i]
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return model.CommunicationMethod{}, false
}

// runAction drives the retry loop for one action and returns its terminal
// ActionResult (§4.3, §4.5).
func (be *BranchExecutor) runAction(ctx context.Context, alloc serial.Allocator, session remote.Session, branch *model.Branch, action model.Action) model.ActionResult {
	started := time.Now().UTC()

	var finalResult remote.Result
	var finalErr error
	var credErr bool

	classification, attempts := be.Policy.Run(ctx, func(ctx context.Context, attempt int) (int, error, bool) {
		res, err := session.Execute(ctx, action.Payload.Command, be.CommandTimeout)
		finalResult, finalErr = res, err
		return res.ExitCode, err, credErr
	})

	completed := time.Now().UTC()
	n, _ := alloc.Next(ctx, serial.KindAction, branch.Serial)
	resultSerial := serial.FormatAction(branch.Serial, n)

	ar := model.ActionResult{
		Serial:          resultSerial,
		ActionID:        action.ID,
		ActionOrder:     action.ActionOrder,
		ActionName:      action.ActionName,
		ActionType:      action.ActionType,
		StartedAt:       &started,
		CompletedAt:     &completed,
		ExecutionTimeMS: completed.Sub(started).Milliseconds(),
		CommandExecuted: action.Payload.Command,
	}

	switch classification {
	case resilience.Success:
		ar.Status = model.ActionResultCompleted
		exit := finalResult.ExitCode
		ar.ExitCode = &exit
		if action.Config.CaptureOutputOrDefault() {
			out := finalResult.Stdout
			ar.ResultOutput = &out
		}
	default:
		ar.Status = model.ActionResultFailed
		errMsg := classificationErrorMessage(classification, finalErr, attempts)
		ar.ResultError = &errMsg
		if finalResult.ExitCode != 0 {
			exit := finalResult.ExitCode
			ar.ExitCode = &exit
		}
		// result_error is always captured, regardless of captureOutput;
		// only result_output is gated (§9 open-question resolution).
		if action.Config.CaptureOutputOrDefault() && finalResult.Stdout != "" {
			out := finalResult.Stdout
			ar.ResultOutput = &out
		}
	}
	return ar
}

func classificationErrorMessage(c resilience.Classification, err error, attempts []resilience.Attempt) string {
	if core.IsCancellation(err) {
		return "cancelled"
	}
	switch c {
	case resilience.RetriableFailure:
		return fmt.Sprintf("retries exhausted after %d attempts: %v", len(attempts), err)
	default:
		if err != nil {
			return err.Error()
		}
		return "action failed"
	}
}

func (be *BranchExecutor) recordCancelled(ctx context.Context, alloc serial.Allocator, branch *model.Branch, action model.Action) {
	now := time.Now().UTC()
	n, _ := alloc.Next(ctx, serial.KindAction, branch.Serial)
	errMsg := "cancelled"
	ar := model.ActionResult{
		Serial:      serial.FormatAction(branch.Serial, n),
		ActionID:    action.ID,
		ActionOrder: action.ActionOrder,
		ActionName:  action.ActionName,
		ActionType:  action.ActionType,
		Status:      model.ActionResultFailed,
		StartedAt:   &now,
		CompletedAt: &now,
		ResultError: &errMsg,
	}
	branch.ActionResults = append(branch.ActionResults, ar)
	if be.Recorder != nil {
		_ = be.Recorder.RecordActionResult(ctx, branch, ar)
	}
}

func (be *BranchExecutor) fail(branch *model.Branch, reason string) {
	be.finish(branch, model.StatusFailed, reason)
}

func (be *BranchExecutor) finish(branch *model.Branch, status model.Status, message string) {
	now := time.Now().UTC()
	branch.CompletedAt = &now
	branch.Status = status
	switch status {
	case model.StatusFailed, model.StatusCancelled:
		branch.ResultError = message
	case model.StatusCompleted:
		branch.ResultOutput = message
	}
}
