// Package node implements the Node Registry (spec.md §4.3): server-side
// issuance of node_id/secret pairs on register, and the HMAC signing
// secret those credentials back.
package node

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// Credentials identify one client node to the server and sign its pushes.
type Credentials struct {
	NodeID string
	Secret string
}

// Registry is the server-side node registration table.
type Registry interface {
	// Register issues fresh credentials for a new node, or — if name is
	// already registered — re-issues fresh credentials for it (spec.md
	// §4.4: re-registration is allowed and simply rotates the secret).
	Register(ctx context.Context, name string) (Credentials, error)

	// IsRegistered reports whether nodeID currently holds valid
	// credentials, and returns its secret for HMAC verification.
	IsRegistered(ctx context.Context, nodeID string) (secret string, ok bool, err error)
}

// NewCredentials generates a fresh node id and a random signing secret.
// Grounded on the teacher's use of google/uuid for identifiers elsewhere
// in the stack (internal/core request/correlation ids).
func NewCredentials() (Credentials, error) {
	secret, err := randomSecret(32)
	if err != nil {
		return Credentials{}, fmt.Errorf("generate node secret: %w", err)
	}
	return Credentials{NodeID: uuid.NewString(), Secret: secret}, nil
}

func randomSecret(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
