package attest

import (
	"context"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newVerifier generates a fresh verifier keypair and returns its private key
// hex and lowercase address.
func newVerifier(t *testing.T) (string, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey).Hex()
	return hex.EncodeToString(crypto.FromECDSA(key)), addr
}

func TestVerify_HappyPath(t *testing.T) {
	priv, addr := newVerifier(t)
	svc := NewService(NewMemoryStore(), []string{addr})
	ctx := context.Background()

	proof := []byte("delivery-receipt-bytes")
	sig, err := Sign("job_abc", proof, true, priv)
	require.NoError(t, err)

	confirmed, err := svc.Verify(ctx, "job_abc", proof, true, sig)
	require.NoError(t, err)
	assert.True(t, confirmed)

	got, err := svc.Confirmed(ctx, "job_abc")
	require.NoError(t, err)
	assert.True(t, got)

	// Exact proof bytes are recorded for audit.
	a, err := svc.Get(ctx, "job_abc")
	require.NoError(t, err)
	assert.Equal(t, proof, a.Proof)
	assert.Equal(t, strings.ToLower(addr), a.SubmitterAddr)
}

func TestVerify_UnlistedSubmitterRejected(t *testing.T) {
	priv, _ := newVerifier(t)
	_, allowedAddr := newVerifier(t)
	svc := NewService(NewMemoryStore(), []string{allowedAddr})

	proof := []byte("proof")
	sig, err := Sign("job_1", proof, true, priv)
	require.NoError(t, err)

	_, err = svc.Verify(context.Background(), "job_1", proof, true, sig)
	assert.ErrorIs(t, err, ErrNotAllowed)

	// Nothing was recorded.
	confirmed, err := svc.Confirmed(context.Background(), "job_1")
	require.NoError(t, err)
	assert.False(t, confirmed)
}

func TestVerify_TamperedProofRejected(t *testing.T) {
	priv, addr := newVerifier(t)
	svc := NewService(NewMemoryStore(), []string{addr})

	sig, err := Sign("job_1", []byte("original"), true, priv)
	require.NoError(t, err)

	// Signature over different proof bytes recovers a different address.
	_, err = svc.Verify(context.Background(), "job_1", []byte("tampered"), true, sig)
	assert.Error(t, err)
}

func TestVerify_ConfirmedIsImmutable(t *testing.T) {
	priv, addr := newVerifier(t)
	svc := NewService(NewMemoryStore(), []string{addr})
	ctx := context.Background()

	proof := []byte("proof")
	sig, err := Sign("job_1", proof, true, priv)
	require.NoError(t, err)
	confirmed, err := svc.Verify(ctx, "job_1", proof, true, sig)
	require.NoError(t, err)
	require.True(t, confirmed)

	// A later negative verdict cannot un-confirm.
	negSig, err := Sign("job_1", proof, false, priv)
	require.NoError(t, err)
	confirmed, err = svc.Verify(ctx, "job_1", proof, false, negSig)
	require.NoError(t, err)
	assert.True(t, confirmed, "confirmed attestation must stay confirmed")
}

func TestVerify_Idempotent(t *testing.T) {
	priv, addr := newVerifier(t)
	svc := NewService(NewMemoryStore(), []string{addr})
	ctx := context.Background()

	proof := []byte("proof")
	sig, err := Sign("job_1", proof, true, priv)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		confirmed, err := svc.Verify(ctx, "job_1", proof, true, sig)
		require.NoError(t, err)
		assert.True(t, confirmed)
	}
}

func TestVerify_NegativeVerdictRecorded(t *testing.T) {
	priv, addr := newVerifier(t)
	svc := NewService(NewMemoryStore(), []string{addr})
	ctx := context.Background()

	proof := []byte("proof")
	sig, err := Sign("job_1", proof, false, priv)
	require.NoError(t, err)

	confirmed, err := svc.Verify(ctx, "job_1", proof, false, sig)
	require.NoError(t, err)
	assert.False(t, confirmed)

	// A confirmed verdict can still follow a denial.
	posSig, err := Sign("job_1", proof, true, priv)
	require.NoError(t, err)
	confirmed, err = svc.Verify(ctx, "job_1", proof, true, posSig)
	require.NoError(t, err)
	assert.True(t, confirmed)
}

func TestVerify_EmptyProofRejected(t *testing.T) {
	priv, addr := newVerifier(t)
	svc := NewService(NewMemoryStore(), []string{addr})

	sig, err := Sign("job_1", []byte("x"), true, priv)
	require.NoError(t, err)

	_, err = svc.Verify(context.Background(), "job_1", nil, true, sig)
	assert.ErrorIs(t, err, ErrEmptyProof)
}

func TestRecoverSubmitter_RoundTrip(t *testing.T) {
	priv, addr := newVerifier(t)

	sig, err := Sign("job_9", []byte("bytes"), true, priv)
	require.NoError(t, err)

	recovered, err := RecoverSubmitter("job_9", []byte("bytes"), true, sig)
	require.NoError(t, err)
	assert.Equal(t, strings.ToLower(addr), recovered)
}

func TestRecoverSubmitter_BadSignature(t *testing.T) {
	_, err := RecoverSubmitter("job_9", []byte("bytes"), true, "0xzz")
	assert.Error(t, err)

	_, err = RecoverSubmitter("job_9", []byte("bytes"), true, "0xdeadbeef")
	assert.Error(t, err)
}
