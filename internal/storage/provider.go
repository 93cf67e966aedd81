// Package storage defines the attachment blob-store abstraction.
package storage

// Provider is the interface for attachment blob operations. Names are
// relative paths chosen by the caller (the attachment layer uses
// content digests).
type Provider interface {
	// Read returns the raw bytes of the blob at name.
	Read(name string) ([]byte, error)
	// Write atomically stores content under name.
	Write(name string, content []byte) error
	// Delete removes the blob at name.
	Delete(name string) error
	// List returns the names of every stored blob.
	List() ([]string, error)
}
