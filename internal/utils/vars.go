package utils

const ToolUserAgent = "bucket-cli"
const LogFile = ".bucket.log"

// HeaderRequestID is set on every outgoing request so server logs can be
// matched with client logs.
const HeaderRequestID = "X-Request-ID"

// HeaderRunID carries the id shared by every request of one invocation.
const HeaderRunID = "X-Run-ID"
