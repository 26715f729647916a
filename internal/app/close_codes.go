package app

// Websocket close codes and reasons used by the server.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
	CloseTryAgainLater   = 1013

	ReasonInvalidRoom      = "Invalid feedback ID"
	ReasonSimulatedFailure = "Simulated connection failure"
	ReasonTimeout          = "Connection timeout"
	ReasonShutdown         = "Server shutting down"
	ReasonForced           = "Forced disconnect for testing"
)
