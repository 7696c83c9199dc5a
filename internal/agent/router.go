package agent

import (
	"context"

	"go.uber.org/zap"

	"github.com/pilotbridge/pilotbridge/internal/protocol"
)

// sender is the narrow seam a FrameRouter needs from a RelayClient: enough
// to emit frames back toward the relay, nothing more.
type sender interface {
	Send(protocol.Envelope) bool
}

// FrameRouter dispatches inbound relay frames to the Pipeline operation
// each frame type names, and surfaces the pairing code the first time the
// relay confirms registration.
type FrameRouter struct {
	sender   sender
	pipeline *Pipeline
	display  *PairingDisplay
	logger   *zap.Logger

	shown bool
}

// NewFrameRouter builds a FrameRouter. sender is typically a *RelayClient;
// it is accepted as a narrow interface so tests can substitute a recorder.
func NewFrameRouter(sender sender, pipeline *Pipeline, display *PairingDisplay, logger *zap.Logger) *FrameRouter {
	return &FrameRouter{sender: sender, pipeline: pipeline, display: display, logger: logger}
}

// Handle is registered as a RelayClient.OnFrame callback. It runs on the
// single goroutine that reads frames off the relay socket
// (RelayClient.connectOnce's read loop), so it must never block that
// goroutine on a pipeline invocation: chat and task requests spawn their
// own subprocess and, for tasks, push/PR network calls, any of which can
// run for as long as the code tool and VCS take. Handle only ever starts
// those runs with runAsync and returns immediately, so the read loop keeps
// draining frames for every other session while they are in flight.
func (r *FrameRouter) Handle(e protocol.Envelope) {
	emit := func(out protocol.Envelope) { r.sender.Send(out) }

	switch e.Type {
	case protocol.TypeRegisterOK:
		if !r.shown {
			r.shown = true
			r.display.Show(e.PairingCode)
		}
	case protocol.TypeRepoList:
		r.runAsync(func() { r.pipeline.RunRepoList(context.Background(), e.SessionID, emit) })
	case protocol.TypeChatMessage:
		r.runAsync(func() { r.pipeline.RunChat(context.Background(), e.SessionID, e.Text, e.RepoFullName, e.BranchName, emit) })
	case protocol.TypeTaskStart:
		r.runAsync(func() { r.pipeline.RunTask(context.Background(), e.SessionID, e.Context, e.RepoFullName, e.BaseBranch, emit) })
	case protocol.TypePing, protocol.TypePong:
		// Relay-level liveness frames forwarded from the mobile side;
		// nothing to act on here.
	default:
		r.logger.Debug("agent: unhandled frame type", zap.String("type", e.Type))
	}
}

// runAsync starts fn on its own goroutine with a recover boundary, so one
// pipeline run panicking never takes down the relay read loop or any other
// in-flight session's run.
func (r *FrameRouter) runAsync(fn func()) {
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("agent: pipeline invocation panicked", zap.Any("panic", rec))
			}
		}()
		fn()
	}()
}
