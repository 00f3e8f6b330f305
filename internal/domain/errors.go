package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrSignatureInvalid        = errors.New("request signature invalid")
	ErrContextExtractionFailed = errors.New("context extraction failed")
	ErrProviderUnavailable     = errors.New("provider unavailable")
	ErrAgentCreationFailed     = errors.New("agent creation failed")
	ErrQueryLimitExceeded      = errors.New("concurrent query limit exceeded")
	ErrQueryTimeout            = errors.New("query timed out")
	ErrProcessingTimeout       = errors.New("event processing timed out")
	ErrResponsePostFailed      = errors.New("response post failed")
)

// QueryTimeoutError reports which query exceeded its deadline.
type QueryTimeoutError struct {
	QueryID string
	Timeout time.Duration
}

func (e *QueryTimeoutError) Error() string {
	return fmt.Sprintf("query %s timed out after %s", e.QueryID, e.Timeout)
}

func (e *QueryTimeoutError) Is(target error) bool { return target == ErrQueryTimeout }

// AgentCreationError wraps the failure to build an agent for a provider/model pair.
type AgentCreationError struct {
	Provider string
	Model    string
	Err      error
}

func (e *AgentCreationError) Error() string {
	return fmt.Sprintf("create agent %s:%s: %v", e.Provider, e.Model, e.Err)
}

func (e *AgentCreationError) Is(target error) bool { return target == ErrAgentCreationFailed }

func (e *AgentCreationError) Unwrap() error { return e.Err }
