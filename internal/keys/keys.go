package keys

import (
	"errors"
	"time"
)

// Type identifies one of the managed key classes.
type Type string

const (
	TypeSecureBoot Type = "secure-boot"
	TypeLUKS       Type = "luks"
	TypeSSH        Type = "ssh"
	TypeTLS        Type = "tls"
)

// AllTypes lists the managed key classes in status-report order.
func AllTypes() []Type {
	return []Type{TypeSecureBoot, TypeLUKS, TypeSSH, TypeTLS}
}

// ParseType validates a CLI key-type argument.
func ParseType(s string) (Type, bool) {
	switch Type(s) {
	case TypeSecureBoot, TypeLUKS, TypeSSH, TypeTLS:
		return Type(s), true
	}
	return "", false
}

var (
	// ErrUnknownType is returned for a key type outside the managed set.
	ErrUnknownType = errors.New("unknown key type")
	// ErrRotationNotDue is returned when the key is within its rotation
	// interval and force was not given.
	ErrRotationNotDue = errors.New("rotation not due")
	// ErrRotationFailed marks an aborted rotation. Until the install step
	// the old material is untouched.
	ErrRotationFailed = errors.New("rotation failed")
	// ErrRotationPreempted marks a rotation abandoned before install
	// because a revocation arrived for the same key type.
	ErrRotationPreempted = errors.New("rotation preempted by revocation")
	// ErrBackupFailed marks a backup whose readback did not match what was
	// captured.
	ErrBackupFailed = errors.New("key backup failed")
)

// Status describes one key type's lifecycle position.
type Status struct {
	Type         Type      `json:"type"`
	LastRotated  time.Time `json:"last_rotated"`
	NextDue      time.Time `json:"next_due"`
	Expired      bool      `json:"expired"`
	ExpiringSoon bool      `json:"expiring_soon"`
	Notes        []string  `json:"notes,omitempty"`
}

// RotationResult reports a completed rotation.
type RotationResult struct {
	Type       Type     `json:"type"`
	Rotated    bool     `json:"rotated"`
	PreBackup  string   `json:"pre_backup"`
	PostBackup string   `json:"post_backup"`
	Steps      []string `json:"steps"`
}

// expiryWarning is how far ahead of the due date a key counts as expiring.
const expiryWarning = 30 * 24 * time.Hour
