// Package rberrors defines the error taxonomy shared across rbstore's
// components: IO, Corrupt, NotFound, InvalidArgument, Busy.
package rberrors

import "errors"

var (
	// ErrIO wraps any OS error during open/read/write/fsync/rename/unlink.
	ErrIO = errors.New("rbstore: io error")

	// ErrCorrupt marks an SSTable header/footer mismatch or an SSTable cell
	// that fails to decode. WAL replay does not return it: replay stops at
	// the first record whose length, CRC or encoding is bad, wherever it
	// sits, and keeps the valid prefix.
	ErrCorrupt = errors.New("rbstore: corrupt data")

	// ErrNotFound marks an operation against a column family that does not
	// exist. It is never returned for absent row/column data — Get and
	// GetVersions return empty results for that case, not an error.
	ErrNotFound = errors.New("rbstore: not found")

	// ErrInvalidArgument marks a caller error: empty row key, max_versions
	// of zero, a malformed filter (bad regexp), and so on.
	ErrInvalidArgument = errors.New("rbstore: invalid argument")

	// ErrBusy is reserved for a future connection-pool layer. The core
	// never returns it.
	ErrBusy = errors.New("rbstore: busy")
)
