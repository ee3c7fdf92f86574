package webhook

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	secret := []byte("whsec_test")
	payload := []byte(`{"type":"github_commit"}`)
	sig := Sign(secret, "msg_1", "1710412200", payload)

	require.True(t, Verify(secret, "msg_1", "1710412200", payload, sig))
}

func TestVerifyRejectsTampering(t *testing.T) {
	secret := []byte("whsec_test")
	payload := []byte(`{"type":"github_commit"}`)
	sig := Sign(secret, "msg_1", "1710412200", payload)

	require.False(t, Verify(secret, "msg_1", "1710412200", []byte(`{"type":"github_commit" }`), sig))
	require.False(t, Verify(secret, "msg_2", "1710412200", payload, sig))
	require.False(t, Verify(secret, "msg_1", "1710412201", payload, sig))
	require.False(t, Verify([]byte("whsec_other"), "msg_1", "1710412200", payload, sig))

	// Single flipped byte in the signature itself.
	bad := []byte(sig)
	bad[len(bad)-2] ^= 0x01
	require.False(t, Verify(secret, "msg_1", "1710412200", payload, string(bad)))
}

func TestVerifyRejectsMissingInputs(t *testing.T) {
	secret := []byte("whsec_test")
	payload := []byte(`{}`)
	sig := Sign(secret, "msg_1", "1710412200", payload)

	require.False(t, Verify(secret, "", "1710412200", payload, sig))
	require.False(t, Verify(secret, "msg_1", "", payload, sig))
	require.False(t, Verify(secret, "msg_1", "1710412200", payload, ""))
}

func TestVerifyAcceptsAnyOfSeveralSignatures(t *testing.T) {
	secret := []byte("whsec_current")
	payload := []byte(`{}`)
	old := Sign([]byte("whsec_retired"), "msg_1", "1710412200", payload)
	cur := Sign(secret, "msg_1", "1710412200", payload)

	require.True(t, Verify(secret, "msg_1", "1710412200", payload, old+" "+cur))
	require.False(t, Verify(secret, "msg_1", "1710412200", payload, old+" "+old))
}
