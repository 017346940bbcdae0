package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/openai/openai-go/v3"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/tingly-dev/tingly-relay/internal/config"
	"github.com/tingly-dev/tingly-relay/internal/llmclient"
	"github.com/tingly-dev/tingly-relay/internal/obs/otel"
	"github.com/tingly-dev/tingly-relay/internal/pipeline"
	"github.com/tingly-dev/tingly-relay/internal/protocol"
	"github.com/tingly-dev/tingly-relay/internal/protocol/nonstream"
	"github.com/tingly-dev/tingly-relay/internal/protocol/stream"
	"github.com/tingly-dev/tingly-relay/internal/record"
	"github.com/tingly-dev/tingly-relay/internal/server/middleware"
)

// Error codes of the relay's error envelopes.
const (
	CodeInvalidBody   = "invalid_body"
	CodeModelNotFound = "model_not_found"
	CodeConfiguration = "configuration_error"
	CodeUpstream      = "upstream_error"
)

// chatRequest is the bookkeeping of one chat completion request.
type chatRequest struct {
	id       string
	model    string
	streamed bool
	start    time.Time
	route    *config.Route
	results  []protocol.ChoiceResult
	chunks   int
	err      error
	code     string
}

// ChatCompletions relays an OpenAI chat completion request and runs every
// choice of the response through the model's pipeline.
func (s *Server) ChatCompletions(c *gin.Context) {
	req := &chatRequest{id: middleware.GetRequestID(c), start: time.Now()}
	defer s.finishRequest(c, req)

	body, err := io.ReadAll(c.Request.Body)
	if err != nil || !gjson.ValidBytes(body) {
		s.fail(c, req, http.StatusBadRequest, fmt.Errorf("request body is not valid JSON"), protocol.ErrorTypeInvalidRequest, CodeInvalidBody)
		return
	}
	req.model = gjson.GetBytes(body, "model").String()
	req.streamed = gjson.GetBytes(body, "stream").Bool()
	if req.model == "" {
		s.fail(c, req, http.StatusBadRequest, fmt.Errorf("model is required"), protocol.ErrorTypeInvalidRequest, CodeInvalidBody)
		return
	}

	route, err := s.store.Current().Resolve(req.model)
	if err != nil {
		status, errType, code := http.StatusInternalServerError, protocol.ErrorTypeAPI, CodeConfiguration
		if errors.Is(err, config.ErrModelNotFound) {
			status, errType, code = http.StatusNotFound, protocol.ErrorTypeInvalidRequest, CodeModelNotFound
		}
		s.fail(c, req, status, err, errType, code)
		return
	}
	req.route = route

	// The first handle is opened before the upstream call so a broken
	// pipeline fails without side effects.
	open, release, err := s.opener(c.Request.Context(), req)
	if err != nil {
		s.fail(c, req, http.StatusInternalServerError, err, protocol.ErrorTypeAPI, CodeConfiguration)
		return
	}
	defer release()

	upstreamBody, err := sjson.SetBytes(body, "model", route.UpstreamModel)
	if err != nil {
		s.fail(c, req, http.StatusBadRequest, err, protocol.ErrorTypeInvalidRequest, CodeInvalidBody)
		return
	}
	client, err := s.clientPool.Get(route.Provider)
	if err != nil {
		s.fail(c, req, http.StatusInternalServerError, err, protocol.ErrorTypeAPI, CodeConfiguration)
		return
	}

	logrus.Debugf("[%s] %s (rule %s) -> %s/%s stages=%v stream=%v", req.id, req.model, route.Rule, route.Provider.Name, route.UpstreamModel, route.Stages.Names(), req.streamed)

	hc := protocol.NewHandleContext(c, req.model)
	if req.streamed {
		s.streamChat(hc, req, client, upstreamBody, open)
	} else {
		s.completeChat(hc, req, client, upstreamBody, open)
	}
}

// opener returns the handle factory for req and a release func that closes
// the pre-opened handle if no choice claimed it. Every handle reports to the
// log and, when metrics are on, to the tracker.
func (s *Server) opener(ctx context.Context, req *chatRequest) (protocol.HandleOpener, func(), error) {
	observer := pipeline.LogObserver()
	if s.tracker != nil {
		observer = pipeline.MultiObserver(observer, s.tracker.Observer(context.WithoutCancel(ctx), req.route.Provider.Name, req.route.UpstreamModel))
	}
	opts := []pipeline.HandleOption{pipeline.WithHandleObserver(observer)}
	if s.recordSink.CaptureRaw() {
		opts = append(opts, pipeline.WithCapture())
	}
	if !req.streamed {
		opts = append(opts, pipeline.WithMessageRendering())
	}

	first, err := s.driver.Open(req.route.Stages, opts...)
	if err != nil {
		return nil, nil, err
	}
	open := func(index int64) (*pipeline.Handle, error) {
		if first != nil {
			h := first
			first = nil
			return h, nil
		}
		return s.driver.Open(req.route.Stages, opts...)
	}
	release := func() {
		if first != nil {
			first.Close()
			first = nil
		}
	}
	return open, release, nil
}

func (s *Server) streamChat(hc *protocol.HandleContext, req *chatRequest, client *llmclient.OpenAIClient, body []byte, open protocol.HandleOpener) {
	c := hc.GinContext
	upstream := client.ChatCompletionsNewStreaming(c.Request.Context(), body)
	defer upstream.Close()

	// Headers are committed only once the upstream produced something, so
	// a refused request still gets a proper status.
	if !upstream.Next() {
		if err := upstream.Err(); err != nil {
			s.failUpstream(c, req, err)
			return
		}
	}

	tr := stream.NewChatTransformer(req.model, open)
	defer tr.Close()

	hc.WithOnStreamEvent(func(interface{}) error {
		req.chunks++
		return nil
	}).WithOnStreamComplete(func() {
		logrus.Debugf("[%s] upstream stream done after %d chunks", req.id, req.chunks)
	}).WithOnStreamError(func(err error) {
		req.err = err
		if protocol.IsContextCanceled(err) {
			logrus.Debugf("[%s] client went away after %d chunks", req.id, req.chunks)
			return
		}
		req.code = CodeUpstream
		logrus.Warnf("[%s] upstream stream failed: %v", req.id, err)
	})

	hc.SetupSSEHeaders()
	pending := upstream.Current().RawJSON()
	err := hc.ProcessStream(
		func() (bool, interface{}, error) {
			if pending != "" {
				chunk := pending
				pending = ""
				return true, chunk, nil
			}
			if upstream.Next() {
				return true, upstream.Current().RawJSON(), nil
			}
			return false, nil, upstream.Err()
		},
		func(ev interface{}) error {
			chunks, err := tr.Transform(ev.(string))
			for _, chunk := range chunks {
				if sendErr := StreamSendData(c, chunk); sendErr != nil {
					return sendErr
				}
			}
			return err
		},
	)
	defer func() { req.results = tr.Results() }()
	if err != nil && req.err == nil {
		req.err = err
	}

	if protocol.IsContextCanceled(err) {
		return
	}
	for _, chunk := range tr.Finish() {
		if sendErr := StreamSendData(c, chunk); sendErr != nil {
			req.err = sendErr
			return
		}
	}
	if err != nil {
		_ = StreamError(c, err.Error(), protocol.ErrorTypeUpstream, CodeUpstream)
	}
	_ = StreamSendDone(c)
}

func (s *Server) completeChat(hc *protocol.HandleContext, req *chatRequest, client *llmclient.OpenAIClient, body []byte, open protocol.HandleOpener) {
	c := hc.GinContext
	resp, err := client.ChatCompletionsNew(c.Request.Context(), body)
	if err != nil {
		s.failUpstream(c, req, err)
		return
	}

	out, results, err := nonstream.TransformChatCompletion(resp.RawJSON(), req.model, open)
	req.results = results
	if err != nil {
		s.fail(c, req, http.StatusBadGateway, err, protocol.ErrorTypeUpstream, CodeUpstream)
		return
	}
	c.Data(http.StatusOK, "application/json", []byte(out))
}

func (s *Server) fail(c *gin.Context, req *chatRequest, status int, err error, errType, code string) {
	req.err, req.code = err, code
	protocol.NewHandleContext(c, req.model).SendError(status, err, errType, code)
}

func (s *Server) failUpstream(c *gin.Context, req *chatRequest, err error) {
	message := err.Error()
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		message = fmt.Sprintf("upstream returned %d: %s", apiErr.StatusCode, apiErr.Message)
	}
	logrus.Warnf("[%s] upstream request failed: %v", req.id, err)
	s.fail(c, req, http.StatusBadGateway, errors.New(message), protocol.ErrorTypeUpstream, CodeUpstream)
}

// finishRequest reports the request to the tracker and the record sink.
func (s *Server) finishRequest(c *gin.Context, req *chatRequest) {
	latency := time.Since(req.start)
	ctx := context.WithoutCancel(c.Request.Context())

	status := "success"
	switch {
	case protocol.IsContextCanceled(req.err):
		status = "canceled"
	case req.err != nil:
		status = "error"
	}

	var provider, upstreamModel string
	var stages []string
	if req.route != nil {
		provider, upstreamModel = req.route.Provider.Name, req.route.UpstreamModel
		stages = req.route.Stages.Names()
	}

	if s.tracker != nil {
		s.tracker.RecordRequest(ctx, otel.RequestOptions{
			Provider:     provider,
			Model:        upstreamModel,
			RequestModel: req.model,
			Streamed:     req.streamed,
			Status:       status,
			ErrorCode:    req.code,
			Latency:      latency,
		})
	}

	if !s.recordSink.IsEnabled() || req.route == nil {
		return
	}
	entry := &record.RecordEntry{
		RequestID:      req.id,
		Provider:       provider,
		Model:          req.model,
		UpstreamModel:  upstreamModel,
		Rule:           req.route.Rule,
		Streamed:       req.streamed,
		Stages:         stages,
		UpstreamChunks: req.chunks,
		DurationMs:     latency.Milliseconds(),
	}
	if req.err != nil {
		entry.Error = req.err.Error()
	}
	for _, r := range req.results {
		entry.Choices = append(entry.Choices, record.ChoiceRecord{
			Index:        r.Index,
			RawContent:   r.Transcript.RawContent,
			RawReasoning: r.Transcript.RawReasoning,
			Events:       r.Transcript.Events,
			Content:      r.Output.Content,
			Reasoning:    r.Output.Reasoning,
			ToolCalls:    r.Output.ToolCalls,
		})
	}
	s.recordSink.Record(entry)
}
