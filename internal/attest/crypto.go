package attest

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// SubmissionMessage builds the canonical message a verifier signs.
// Format: "Jobmesh-Attest|{jobId}|{keccak256(proof) hex}|{verdict}"
func SubmissionMessage(jobID string, proof []byte, confirmed bool) string {
	verdict := "denied"
	if confirmed {
		verdict = "confirmed"
	}
	return fmt.Sprintf("Jobmesh-Attest|%s|%s|%s",
		jobID,
		hex.EncodeToString(crypto.Keccak256(proof)),
		verdict,
	)
}

// hashMessage creates an Ethereum signed message hash (EIP-191 prefix).
func hashMessage(message string) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return crypto.Keccak256([]byte(prefix + message))
}

// RecoverSubmitter recovers the lowercase address that signed an attestation
// submission. signature is hex-encoded, 65 bytes (r[32] + s[32] + v[1]).
func RecoverSubmitter(jobID string, proof []byte, confirmed bool, signatureHex string) (string, error) {
	sigHex := strings.TrimPrefix(signatureHex, "0x")

	signature, err := hex.DecodeString(sigHex)
	if err != nil {
		return "", fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(signature) != 65 {
		return "", fmt.Errorf("signature must be 65 bytes, got %d", len(signature))
	}

	// Ethereum signatures have v = 27 or 28, but Ecrecover expects 0 or 1
	if signature[64] >= 27 {
		signature[64] -= 27
	}

	messageHash := hashMessage(SubmissionMessage(jobID, proof, confirmed))

	pubKeyBytes, err := crypto.Ecrecover(messageHash, signature)
	if err != nil {
		return "", fmt.Errorf("failed to recover public key: %w", err)
	}

	pubKey, err := crypto.UnmarshalPubkey(pubKeyBytes)
	if err != nil {
		return "", fmt.Errorf("failed to unmarshal public key: %w", err)
	}

	return strings.ToLower(crypto.PubkeyToAddress(*pubKey).Hex()), nil
}

// Sign signs an attestation submission with a hex-encoded private key.
// Verifier SDKs and tests use this; the server itself never holds verifier
// keys.
func Sign(jobID string, proof []byte, confirmed bool, privateKeyHex string) (string, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("invalid private key: %w", err)
	}

	messageHash := hashMessage(SubmissionMessage(jobID, proof, confirmed))
	signature, err := crypto.Sign(messageHash, key)
	if err != nil {
		return "", err
	}
	// Normalize v to 27/28 as wallets do.
	signature[64] += 27
	return "0x" + hex.EncodeToString(signature), nil
}
