// Package noop provides a disabled archive for runs that skip raw payload
// retention.
package noop

import "context"

// BlobStore discards every payload.
type BlobStore struct{}

// New returns a BlobStore that drops all writes.
func New() *BlobStore { return &BlobStore{} }

// PutObject discards the payload and returns an empty URI.
func (s *BlobStore) PutObject(context.Context, string, string, []byte) (string, error) {
	return "", nil
}
