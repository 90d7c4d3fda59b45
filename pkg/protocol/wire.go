package protocol

// HTTP surface shared by server and client.
//
// The modern variant multiplexes one endpoint by method and carries the
// session id in a header; the legacy variant splits push and submission
// across two endpoints and carries the session id as a query parameter.
// The id never travels in a message body.
const (
	// HeaderSessionID names the modern variant's session header.
	HeaderSessionID = "X-Session-Id"
	// HeaderLastEventID carries the resumption token on modern GETs.
	HeaderLastEventID = "Last-Event-Id"

	// RPCPath is the modern variant's single endpoint.
	RPCPath = "/rpc"
	// StreamPath is the legacy push endpoint.
	StreamPath = "/events"
	// MessagePath is the legacy submission endpoint; the session id is
	// appended as the sessionId query parameter.
	MessagePath = "/messages"
)
