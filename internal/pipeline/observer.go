package pipeline

import "github.com/sirupsen/logrus"

// DegradeReason says why a tool-call body was turned back into text.
type DegradeReason string

const (
	DegradeDecodeFailed   DegradeReason = "decode_failed"
	DegradeBufferOverflow DegradeReason = "buffer_overflow"
	DegradeUnterminated   DegradeReason = "unterminated"
	DegradeThinkClosed    DegradeReason = "think_closed"
)

// Observer receives diagnostics from the stages of a pipeline. Calls happen
// on the goroutine driving the handle.
type Observer interface {
	ToolCallDecoded(call ToolCall)
	ToolCallDegraded(reason DegradeReason, err error)
}

type nopObserver struct{}

func (nopObserver) ToolCallDecoded(ToolCall)                {}
func (nopObserver) ToolCallDegraded(DegradeReason, error) {}

// NopObserver discards all diagnostics.
func NopObserver() Observer { return nopObserver{} }

type logObserver struct{}

func (logObserver) ToolCallDecoded(call ToolCall) {
	logrus.Debugf("pipeline: extracted tool call #%d %s", call.Index, call.Name)
}

func (logObserver) ToolCallDegraded(reason DegradeReason, err error) {
	if err != nil {
		logrus.Warnf("pipeline: tool call degraded to text (%s): %v", reason, err)
		return
	}
	logrus.Warnf("pipeline: tool call degraded to text (%s)", reason)
}

// LogObserver reports diagnostics through logrus.
func LogObserver() Observer { return logObserver{} }

// MultiObserver fans diagnostics out to several observers.
func MultiObserver(observers ...Observer) Observer {
	return multiObserver(observers)
}

type multiObserver []Observer

func (m multiObserver) ToolCallDecoded(call ToolCall) {
	for _, o := range m {
		o.ToolCallDecoded(call)
	}
}

func (m multiObserver) ToolCallDegraded(reason DegradeReason, err error) {
	for _, o := range m {
		o.ToolCallDegraded(reason, err)
	}
}
