package common

import (
	"github.com/google/uuid"
)

// NewRunID generates a unique run identifier
func NewRunID() string {
	return uuid.New().String()
}

// NewBrowserID generates a unique browser slot identifier
func NewBrowserID() string {
	return uuid.New().String()
}

// NewJobID generates a unique queue job identifier
func NewJobID() string {
	return uuid.New().String()
}
