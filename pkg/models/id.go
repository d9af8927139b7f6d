package models

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns an opaque identifier with the given prefix, e.g. "sess_1f2e3d…".
// IDs are unique per process lifetime and safe to expose to clients.
func NewID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// ID prefixes for the core entities.
const (
	SessionIDPrefix  = "sess"
	RunIDPrefix      = "run"
	ApprovalIDPrefix = "appr"
)

// NewSessionID returns a fresh session identifier.
func NewSessionID() string { return NewID(SessionIDPrefix) }

// NewRunID returns a fresh run identifier.
func NewRunID() string { return NewID(RunIDPrefix) }

// NewApprovalID returns a fresh approval identifier.
func NewApprovalID() string { return NewID(ApprovalIDPrefix) }
