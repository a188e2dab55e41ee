package syncmsg

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// canonicalPayload builds the exact signing input named in spec.md §6:
// `{operations, payloads, last_known_version, node_id}` with keys sorted.
// Go's encoding/json sorts map[string]T keys alphabetically when marshaling,
// so building this as a plain map (rather than a struct, whose field order
// would follow declaration order) gets canonical ordering for free — no
// hand-rolled canonical JSON encoder needed.
func canonicalPayload(operations []OperationWire, payloads Payloads, lastKnownVersion int64, nodeID string) ([]byte, error) {
	m := map[string]any{
		"operations":         operations,
		"payloads":           payloads,
		"last_known_version": lastKnownVersion,
		"node_id":            nodeID,
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	return b, nil
}

// Sign computes the HMAC-SHA256 signature over the canonical payload, hex
// encoded, using the node's shared secret (spec.md §6).
func Sign(secret string, operations []OperationWire, payloads Payloads, lastKnownVersion int64, nodeID string) (string, error) {
	payload, err := canonicalPayload(operations, payloads, lastKnownVersion, nodeID)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks a PushMessage's signature against the node's stored secret.
func Verify(secret string, msg PushMessage) (bool, error) {
	expected, err := Sign(secret, msg.Operations, msg.Payloads, msg.LastKnownVersion, msg.NodeID)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(expected), []byte(msg.Signature)), nil
}

// SignMessage fills in msg.Signature in place.
func SignMessage(secret string, msg *PushMessage) error {
	sig, err := Sign(secret, msg.Operations, msg.Payloads, msg.LastKnownVersion, msg.NodeID)
	if err != nil {
		return err
	}
	msg.Signature = sig
	return nil
}
