package host

import (
	"fmt"
	"time"
)

// EventKind identifies the type of a streamed event.
type EventKind int

const (
	EventTextDelta      EventKind = iota // Text fragment from the model
	EventToolCallBegin                   // A new tool call started streaming
	EventToolCallArgs                    // Raw argument fragment of the current tool call
	EventToolExecStart                   // A tool invocation is about to run
	EventToolExecEnd                     // A tool invocation finished (Result or IsError set)
	EventResourceLoaded                  // A resource was read and injected into context
	EventRetry                           // The gateway is retrying a failed request

	eventKindCount
)

var eventKindNames = [eventKindCount]string{
	EventTextDelta:      "text_delta",
	EventToolCallBegin:  "tool_call_begin",
	EventToolCallArgs:   "tool_call_args",
	EventToolExecStart:  "tool_exec_start",
	EventToolExecEnd:    "tool_exec_end",
	EventResourceLoaded: "resource_loaded",
	EventRetry:          "retry",
}

func (k EventKind) String() string {
	if k < 0 || k >= eventKindCount {
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
	return eventKindNames[k]
}

// Event is one item delivered to a Handler.
type Event struct {
	Kind EventKind

	// Text is the model text for EventTextDelta, the human-readable notice for
	// EventToolCallBegin and the raw fragment for EventToolCallArgs.
	Text string

	// Tool call fields
	ToolCallID string
	ToolName   string
	Arguments  string // full arguments on EventToolExecStart
	Result     string // normalized result on EventToolExecEnd
	IsError    bool

	Resource *ResourceEntry // EventResourceLoaded

	// Retry fields
	Attempt     int
	MaxAttempts int
	Wait        time.Duration
	Err         error
}

// route names the Handler callback an event kind goes to.
type route int

const (
	routeData route = iota
	routeMessage
)

// eventRoutes is the dispatch table. Text and tool-call progress go to OnData
// so callers can render them inline; the rest are UI notifications.
var eventRoutes = [eventKindCount]route{
	EventTextDelta:      routeData,
	EventToolCallBegin:  routeData,
	EventToolCallArgs:   routeData,
	EventToolExecStart:  routeMessage,
	EventToolExecEnd:    routeMessage,
	EventResourceLoaded: routeMessage,
	EventRetry:          routeMessage,
}

// Handler receives the output of one ChatStream call. Every field is optional.
// Exactly one of OnDone and OnError is called per turn; when OnError is nil,
// failures are reported through OnDone with Result.Err set.
type Handler struct {
	OnData    func(Event)
	OnMessage func(Event)
	OnDone    func(Result)
	OnError   func(error)
}

func (h Handler) dispatch(ev Event) {
	var fn func(Event)
	switch eventRoutes[ev.Kind] {
	case routeData:
		fn = h.OnData
	case routeMessage:
		fn = h.OnMessage
	}
	if fn != nil {
		fn(ev)
	}
}

// finish fires the terminal callback.
func (h Handler) finish(res Result, err error) {
	if err != nil && h.OnError != nil {
		h.OnError(err)
		return
	}
	if h.OnDone != nil {
		res.Err = err
		h.OnDone(res)
	}
}

// State is the position of the orchestration loop.
type State int

const (
	StateAwaitingInput State = iota
	StateGenerating
	StateExecutingTools
	StateDone      // final answer reached
	StateExhausted // iteration budget spent while tool calls kept coming
)

func (s State) String() string {
	switch s {
	case StateAwaitingInput:
		return "awaiting_input"
	case StateGenerating:
		return "generating"
	case StateExecutingTools:
		return "executing_tools"
	case StateDone:
		return "done"
	case StateExhausted:
		return "exhausted"
	}
	return fmt.Sprintf("State(%d)", int(s))
}
