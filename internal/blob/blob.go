// Package blob abstracts artifact storage behind a small key/value contract
// with presigned read URLs.
package blob

import "context"

// Store is the storage contract shared by the S3 and local backends. Keys
// are slash-separated paths namespaced by owner scope.
type Store interface {
	// Put uploads a local file under the key.
	Put(ctx context.Context, key, localPath, contentType string) error

	// Get downloads the object to a local path, reporting whether it existed.
	Get(ctx context.Context, key, localPath string) (bool, error)

	// Exists reports whether the key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// PresignedURL returns a time-limited read URL for the key.
	PresignedURL(ctx context.Context, key string, ttlSeconds int) (string, error)
}
