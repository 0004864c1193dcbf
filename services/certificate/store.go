package certificate

import "context"

// ArtifactStore persists rendered certificates. The returned reference is
// what Get expects.
type ArtifactStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

// ArtifactKey is stable per job so a re-render overwrites the same object.
func ArtifactKey(jobID string) string {
	return "certificates/" + jobID + ".pdf"
}
