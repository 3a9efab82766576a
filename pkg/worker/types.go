package worker

import (
	"context"
	"fmt"
	"time"
)

// Engine is the automation engine hosted by a worker. The worker treats it as
// an opaque "apply action, get observation" box and calls it from a single
// goroutine.
type Engine interface {
	// Reset prepares the engine and returns the initial observation.
	Reset(ctx context.Context) (*RawObservation, Info, error)

	// Step applies one action. Action-level failures (unknown element, bad
	// syntax) belong in RawObservation.LastActionError; a returned error means
	// the engine itself failed.
	Step(ctx context.Context, action string) (*StepResult, error)

	// Close releases the engine.
	Close() error
}

// EngineFactory constructs an engine inside the worker process.
type EngineFactory func(ctx context.Context) (Engine, error)

// Info carries engine-specific step metadata.
type Info map[string]interface{}

// Element describes one tagged element of the current page.
type Element struct {
	BID       string  `json:"bid"`
	Tag       string  `json:"tag"`
	Role      string  `json:"role,omitempty"`
	Name      string  `json:"name,omitempty"`
	Value     string  `json:"value,omitempty"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Width     float64 `json:"width"`
	Height    float64 `json:"height"`
	Visible   bool    `json:"visible"`
	Clickable bool    `json:"clickable"`
	Depth     int     `json:"depth"`
}

// RawObservation is what an engine produces. It may hold binary data and
// native durations that must not leave the worker as-is.
type RawObservation struct {
	URL               string
	Title             string
	DOM               string
	Screenshot        []byte // PNG
	Elements          []Element
	FocusedElementBID string
	ActivePageIndex   int
	OpenPagesURLs     []string
	Elapsed           time.Duration
	LastActionError   string
}

// StepResult is the outcome of Engine.Step.
type StepResult struct {
	Observation *RawObservation
	Reward      float64
	Terminated  bool
	Truncated   bool
	Info        Info
}

// ActionRequest is the payload of a non-control request envelope.
type ActionRequest struct {
	Action string `json:"action"`
}

// ActionError is the structured form of an engine failure while applying an
// action. The worker reports it inside the observation and keeps running.
type ActionError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Action  string `json:"action"`
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("engine %s while applying %q: %s", e.Type, e.Action, e.Message)
}

// Observation is the transport-safe observation sent to the supervisor.
// Images are base64 PNG data URLs and numbers are plain scalars.
type Observation struct {
	URL               string       `json:"url"`
	Title             string       `json:"title"`
	TextContent       string       `json:"text_content"`
	Screenshot        string       `json:"screenshot,omitempty"`
	SetOfMarks        string       `json:"set_of_marks,omitempty"`
	Elements          []Element    `json:"extra_element_properties,omitempty"`
	FocusedElementBID string       `json:"focused_element_bid,omitempty"`
	ActivePageIndex   int          `json:"active_page_index"`
	OpenPagesURLs     []string     `json:"open_pages_urls,omitempty"`
	ElapsedTime       float64      `json:"elapsed_time"`
	LastActionError   string       `json:"last_action_error,omitempty"`
	Reward            float64      `json:"reward"`
	Terminated        bool         `json:"terminated"`
	Truncated         bool         `json:"truncated"`
	Info              Info         `json:"info,omitempty"`
	Error             *ActionError `json:"error,omitempty"`
}

// Err returns the engine failure carried by the observation, if any.
func (o *Observation) Err() error {
	if o == nil || o.Error == nil {
		return nil
	}
	return o.Error
}

// HasActionError reports whether the last browser action failed.
func (o *Observation) HasActionError() bool {
	return o != nil && (o.LastActionError != "" || o.Error != nil)
}

// EngineInitError reports that the engine could not be constructed or reset.
// The worker process exits non-zero when it happens.
type EngineInitError struct {
	Err error
}

func (e *EngineInitError) Error() string {
	return fmt.Sprintf("engine init failed: %v", e.Err)
}

func (e *EngineInitError) Unwrap() error {
	return e.Err
}
