// Package identity derives deterministic identifiers for every synthetic
// node, routine, and chunk produced by the indexing pipeline.
package identity

import "github.com/google/uuid"

// Namespace is the fixed namespace UUID under which every stable_guid is
// derived. Treat this as a compatibility surface: changing it invalidates
// every previously computed chunk_id and Routine/register guid.
var Namespace = uuid.MustParse("9d2f4c0a-59ac-4b75-9b8d-7e2d8d2cb3a5")

// StableGUID returns the name-based UUIDv5 of s under Namespace. Identical
// input always yields identical output, across processes and runs.
func StableGUID(s string) string {
	return uuid.NewSHA1(Namespace, []byte(s)).String()
}
