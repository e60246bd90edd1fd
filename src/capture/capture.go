package capture

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"errtrack/src/model"
)

const maxStackDepth = 32

// Trigger is the input that caused a failure, plus when it happened.
// Payload goes through the serializer registry before persistence.
type Trigger struct {
	Payload    interface{}
	OccurredAt time.Time
}

// Serialize renders the trigger payload to its stored form.
func (t Trigger) Serialize() string {
	return SerializeValue(t.Payload)
}

// StackCarrier is implemented by errors that captured their own program
// counters at raise time. Without it, Capture falls back to the call site.
type StackCarrier interface {
	Callers() []uintptr
}

// FrameCarrier is implemented by errors that arrive with ready-made frame
// descriptors, such as failures reported over the wire by another process.
// Frames are expected outermost first.
type FrameCarrier interface {
	TrackFrames() []model.Frame
}

// ScopeCarrier exposes variables that were in scope when the error was
// raised. They are attached to the deepest frame.
type ScopeCarrier interface {
	TrackScope() map[string]interface{}
}

// ArgsCarrier overrides the stringified constructor arguments that take
// part in the fingerprint. The default is the error message.
type ArgsCarrier interface {
	TrackArgs() []string
}

// TrackedError wraps an error with the program counters and scope of the
// raise site.
type TrackedError struct {
	err   error
	pcs   []uintptr
	scope map[string]interface{}
}

// Wrap annotates err with the caller's stack and the given scope. A nil
// err returns nil.
func Wrap(err error, scope map[string]interface{}) error {
	if err == nil {
		return nil
	}
	pcs := make([]uintptr, maxStackDepth)
	n := runtime.Callers(2, pcs)
	return &TrackedError{err: err, pcs: pcs[:n], scope: scope}
}

func (e *TrackedError) Error() string { return e.err.Error() }

// Unwrap exposes the wrapped error to errors.Is/As.
func (e *TrackedError) Unwrap() error { return e.err }

// Callers implements StackCarrier.
func (e *TrackedError) Callers() []uintptr { return e.pcs }

// TrackScope implements ScopeCarrier.
func (e *TrackedError) TrackScope() map[string]interface{} { return e.scope }

// RemoteError is a failure reported by another process, carrying the
// frames and fingerprint args its reporter captured.
type RemoteError struct {
	msg    string
	args   []string
	frames []model.Frame
}

// NewRemote builds a RemoteError. Empty args default to the message, so
// the fingerprint stays well defined.
func NewRemote(msg string, args []string, frames []model.Frame) *RemoteError {
	if len(args) == 0 {
		args = []string{msg}
	}
	return &RemoteError{msg: msg, args: args, frames: frames}
}

func (e *RemoteError) Error() string { return e.msg }

// TrackArgs implements ArgsCarrier.
func (e *RemoteError) TrackArgs() []string { return e.args }

// TrackFrames implements FrameCarrier.
func (e *RemoteError) TrackFrames() []model.Frame { return e.frames }

// Snapshot is the immutable diagnostic state captured for one failure.
type Snapshot struct {
	Stack  model.StringList
	Frames model.FrameList
	Args   model.StringList
}

// TrackingFilename is the deepest frame's filename, the fingerprint anchor.
func (s Snapshot) TrackingFilename() string {
	if len(s.Frames) == 0 {
		return ""
	}
	return s.Frames[len(s.Frames)-1].Filename
}

// TrackingFunction is the deepest frame's function name.
func (s Snapshot) TrackingFunction() string {
	if len(s.Frames) == 0 {
		return ""
	}
	return s.Frames[len(s.Frames)-1].Function
}

// Capture builds the diagnostic snapshot for err. It never fails: scope
// values that resist serialization become placeholders, and an error
// without its own stack is attributed to the capture site.
func Capture(err error) Snapshot {
	frames := captureFrames(err)

	if carrier, ok := err.(ScopeCarrier); ok && len(frames) > 0 {
		frames[len(frames)-1].Scope = SerializeScope(carrier.TrackScope())
	}

	args := model.StringList{err.Error()}
	if carrier, ok := err.(ArgsCarrier); ok {
		args = carrier.TrackArgs()
	}

	return Snapshot{
		Stack:  formatStack(err, frames),
		Frames: frames,
		Args:   args,
	}
}

func captureFrames(err error) model.FrameList {
	if carrier, ok := err.(FrameCarrier); ok {
		frames := make(model.FrameList, 0, len(carrier.TrackFrames()))
		for _, fr := range carrier.TrackFrames() {
			if fr.Scope == nil {
				fr.Scope = map[string]string{}
			}
			frames = append(frames, fr)
		}
		if len(frames) > 0 {
			return frames
		}
	}

	var pcs []uintptr
	if carrier, ok := err.(StackCarrier); ok {
		pcs = carrier.Callers()
	}
	if len(pcs) == 0 {
		buf := make([]uintptr, maxStackDepth)
		// skip runtime.Callers, captureFrames and Capture itself
		n := runtime.Callers(3, buf)
		pcs = buf[:n]
	}

	iter := runtime.CallersFrames(pcs)
	var inner []model.Frame
	for {
		fr, more := iter.Next()
		if fr.Function != "" && !strings.HasPrefix(fr.Function, "runtime.") {
			inner = append(inner, model.Frame{
				Filename: fr.File,
				Function: fr.Function,
				Line:     fr.Line,
				Scope:    map[string]string{},
			})
		}
		if !more {
			break
		}
	}

	// runtime yields callee-first; records keep outermost first with the
	// deepest frame last.
	frames := make(model.FrameList, 0, len(inner))
	for i := len(inner) - 1; i >= 0; i-- {
		frames = append(frames, inner[i])
	}
	return frames
}

func formatStack(err error, frames model.FrameList) model.StringList {
	var b strings.Builder
	fmt.Fprintf(&b, "error: %s\n", err.Error())
	for i := len(frames) - 1; i >= 0; i-- {
		fr := frames[i]
		fmt.Fprintf(&b, "  at %s (%s:%d)\n", fr.Function, fr.Filename, fr.Line)
	}

	// Separator lines carry no information; drop them so the stored stack
	// is dense.
	stack := model.StringList{}
	for _, line := range strings.Split(b.String(), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		stack = append(stack, line)
	}
	return stack
}
