package utils

import "github.com/google/uuid"

// GenerateID generates a random ID with prefix
func GenerateID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

// NewEnvelopeID generates a unique signal envelope ID
func NewEnvelopeID() string {
	return GenerateID("sig")
}

// NewCallID generates a unique call ID
func NewCallID() string {
	return GenerateID("call")
}

// NewRequestID generates a unique request ID
func NewRequestID() string {
	return GenerateID("req")
}
