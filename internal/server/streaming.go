package server

import (
	"encoding/json"
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/tingly-dev/tingly-relay/internal/protocol"
)

// StreamSendData writes one OpenAI-style SSE data line and flushes it.
func StreamSendData(c *gin.Context, data string) error {
	if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
		return err
	}
	c.Writer.Flush()
	return nil
}

// StreamSendDone sends the final [DONE] message.
func StreamSendDone(c *gin.Context) error {
	return StreamSendData(c, "[DONE]")
}

// StreamError sends an error envelope as a data line. Used once the
// response status is already committed.
func StreamError(c *gin.Context, message, errorType, code string) error {
	data, err := json.Marshal(protocol.NewErrorResponse(message, errorType, code))
	if err != nil {
		return err
	}
	return StreamSendData(c, string(data))
}
