package cache

import (
	"fmt"
)

// Key namespaces. Every engine key lives under coreplane: so the identity,
// legal, and audit services can share one Redis without collisions.
const (
	nsConsent     = "consent"
	nsPermission  = "permission"
	nsRevoked     = "revoked"
	nsIdempotency = "idempotency"
)

// ConsentKey is the cached consent flag for one account and document type.
// Format: coreplane:consent:{accountID}:{documentType}
func ConsentKey(accountID, documentType string) string {
	return fmt.Sprintf("coreplane:%s:%s:%s", nsConsent, accountID, documentType)
}

// PermissionKey is the cached permission set for one account.
// Format: coreplane:permission:{accountID}
func PermissionKey(accountID string) string {
	return fmt.Sprintf("coreplane:%s:%s", nsPermission, accountID)
}

// RevokedTokenKey is the deny-list entry for an access token hash.
// Format: coreplane:revoked:{tokenHash}
func RevokedTokenKey(tokenHash string) string {
	return fmt.Sprintf("coreplane:%s:%s", nsRevoked, tokenHash)
}

// IdempotencyKey is the consumer-side dedup marker for an event ID.
// Format: coreplane:idempotency:{eventID}
func IdempotencyKey(eventID string) string {
	return fmt.Sprintf("coreplane:%s:%s", nsIdempotency, eventID)
}
