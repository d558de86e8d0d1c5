package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests cover argument validation paths, which fail before any engine
// component touches the host.

func TestScanCmd_RejectsInvalidScope(t *testing.T) {
	_, err := execute(t, "", "scan", "--scope", "everything")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid scope")
}

func TestRecoveryRestoreCmd_RejectsInvalidMode(t *testing.T) {
	_, err := execute(t, "", "recovery", "restore", "20260101T000000Z", "--mode", "yolo")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid mode")
}

func TestRecoveryRestoreCmd_RequiresPointArgument(t *testing.T) {
	_, err := execute(t, "", "recovery", "restore")
	require.Error(t, err)
}

func TestKeysRotateCmd_RejectsInvalidType(t *testing.T) {
	_, err := execute(t, "", "keys", "rotate", "gpg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid key type")
}

func TestKeysRevokeCmd_RequiresReason(t *testing.T) {
	_, err := execute(t, "", "keys", "revoke", "tls")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--reason is required")
}

func TestKeysRevokeCmd_DeclinedConfirmationAborts(t *testing.T) {
	out, err := execute(t, "n\n", "keys", "revoke", "tls", "--reason", "suspected compromise")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not confirmed")
	assert.Contains(t, out, "[y/N]")
}

func TestRecoveryEmergencyCmd_DeclinedConfirmationAborts(t *testing.T) {
	_, err := execute(t, "\n", "recovery", "emergency")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not confirmed")
}

func TestContainCmd_RequiresIncidentID(t *testing.T) {
	_, err := execute(t, "", "contain")
	require.Error(t, err)
}

func TestContainCmd_RejectsInvalidOpenClass(t *testing.T) {
	_, err := execute(t, "", "contain", "suspicious traffic", "--open", "ransomware")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid class")
}
