package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tingly-dev/tingly-relay/internal/pipeline"
)

// Error types used in the OpenAI error envelope.
const (
	ErrorTypeInvalidRequest = "invalid_request_error"
	ErrorTypeAPI            = "api_error"
	ErrorTypeUpstream       = "upstream_error"
)

// HandleOpener opens the pipeline handle for one choice index.
type HandleOpener func(index int64) (*pipeline.Handle, error)

// ChoiceResult is what one choice went through: the pipeline transcript
// and the rendered output sent to the client.
type ChoiceResult struct {
	Index      int64
	Transcript pipeline.Transcript
	Output     pipeline.Delta
}

// MergeDelta appends src onto dst.
func MergeDelta(dst *pipeline.Delta, src pipeline.Delta) {
	dst.Content += src.Content
	dst.Reasoning += src.Reasoning
	dst.ToolCalls = append(dst.ToolCalls, src.ToolCalls...)
}

// HandleContext carries the request-scoped pieces a response handler needs:
// the gin context, the model name reported to the client and stream hooks.
type HandleContext struct {
	GinContext *gin.Context

	// ResponseModel replaces the upstream model name in every response.
	ResponseModel string

	OnStreamEventHooks    []func(event interface{}) error
	OnStreamCompleteHooks []func()
	OnStreamErrorHooks    []func(err error)
}

// NewHandleContext creates a HandleContext for c.
func NewHandleContext(c *gin.Context, responseModel string) *HandleContext {
	return &HandleContext{
		GinContext:    c,
		ResponseModel: responseModel,
	}
}

// WithOnStreamEvent adds a hook run for each stream event, in order.
func (hc *HandleContext) WithOnStreamEvent(hook func(interface{}) error) *HandleContext {
	hc.OnStreamEventHooks = append(hc.OnStreamEventHooks, hook)
	return hc
}

// WithOnStreamComplete adds a hook run when the stream ends without error.
func (hc *HandleContext) WithOnStreamComplete(hook func()) *HandleContext {
	hc.OnStreamCompleteHooks = append(hc.OnStreamCompleteHooks, hook)
	return hc
}

// WithOnStreamError adds a hook run when the stream fails.
func (hc *HandleContext) WithOnStreamError(hook func(error)) *HandleContext {
	hc.OnStreamErrorHooks = append(hc.OnStreamErrorHooks, hook)
	return hc
}

// SetupSSEHeaders sets the server-sent events response headers.
func (hc *HandleContext) SetupSSEHeaders() {
	c := hc.GinContext
	c.Header("Content-Type", "text/event-stream; charset=utf-8")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
}

// ProcessStream pulls events with next until it reports false or an error
// and hands each one to handle after the event hooks ran. It stops early
// when the client goes away.
func (hc *HandleContext) ProcessStream(next func() (bool, interface{}, error), handle func(interface{}) error) error {
	c := hc.GinContext

	if _, ok := c.Writer.(http.Flusher); !ok {
		hc.SendError(http.StatusInternalServerError, errors.New("streaming not supported by this connection"), ErrorTypeAPI, "streaming_unsupported")
		return fmt.Errorf("streaming not supported")
	}

	var processErr error
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			processErr = c.Request.Context().Err()
			return false
		default:
		}

		more, event, err := next()
		if err != nil {
			processErr = err
			return false
		}
		if !more {
			return false
		}

		for _, hook := range hc.OnStreamEventHooks {
			if err := hook(event); err != nil {
				processErr = err
				return false
			}
		}
		if handle != nil {
			if err := handle(event); err != nil {
				processErr = err
				return false
			}
		}
		return true
	})

	if processErr != nil {
		for _, hook := range hc.OnStreamErrorHooks {
			hook(processErr)
		}
		return processErr
	}
	for _, hook := range hc.OnStreamCompleteHooks {
		hook()
	}
	return nil
}

// SendError writes an OpenAI-style error envelope.
func (hc *HandleContext) SendError(status int, err error, errorType, code string) {
	hc.GinContext.JSON(status, NewErrorResponse(err.Error(), errorType, code))
}

// ErrorResponse is the OpenAI error envelope.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail holds the error fields.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// NewErrorResponse builds an ErrorResponse.
func NewErrorResponse(message, errorType, code string) ErrorResponse {
	return ErrorResponse{Error: ErrorDetail{Message: message, Type: errorType, Code: code}}
}

// IsContextCanceled reports whether err comes from a canceled context.
func IsContextCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
