package otel

import "go.opentelemetry.io/otel/attribute"

// Attributes annotating relay metrics.
var (
	// AttrProvider identifies the upstream provider by configured name
	AttrProvider = attribute.Key("relay.provider")

	// AttrModel identifies the upstream model
	AttrModel = attribute.Key("relay.model")

	// AttrRequestModel identifies the model requested by the client
	AttrRequestModel = attribute.Key("relay.request.model")

	// AttrStreaming indicates whether the response was streamed
	AttrStreaming = attribute.Key("relay.streaming")

	// AttrStatus is the response status (success, error, canceled)
	AttrStatus = attribute.Key("relay.response.status")

	// AttrErrorCode contains the error code if status is error
	AttrErrorCode = attribute.Key("relay.error.code")

	// AttrDegradeReason says why a tool call fell back to text
	AttrDegradeReason = attribute.Key("pipeline.degrade.reason")
)
