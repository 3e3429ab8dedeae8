package vhd

import "errors"

// Sentinel errors returned by the codec, instance, and file backend. Callers
// that need to distinguish recoverable conditions (bad checksum, missing
// parent) from hard failures should compare against these with errors.Is.
var (
	// ErrInvalidRecord is returned when a footer or header cookie doesn't
	// match the expected magic string, when the header version is below 1,
	// or when the file is too short to hold a footer and header.
	ErrInvalidRecord = errors.New("vhd: invalid record cookie")
	// ErrBadChecksum is returned when a footer or header's stored checksum
	// doesn't match the computed one's-complement sum.
	ErrBadChecksum = errors.New("vhd: checksum mismatch")
	// ErrFooterMismatch is returned when the primary and end-of-file footer
	// copies aren't byte-identical.
	ErrFooterMismatch = errors.New("vhd: primary and end footer differ")
	// ErrBlockAbsent is returned by ReadBlock when the requested BAT slot is
	// BlockUnused.
	ErrBlockAbsent = errors.New("vhd: block not allocated")
	// ErrMultipleChildren is returned by the cleaner when two VHDs declare
	// the same parent.
	ErrMultipleChildren = errors.New("vhd: multiple children claim the same parent")
	// ErrParentMissing is returned by the cleaner when a differencing VHD's
	// declared parent cannot be found.
	ErrParentMissing = errors.New("vhd: declared parent is missing")
	// ErrAssertion marks a structural invariant violated mid-operation; a bug,
	// not a data condition, and always fatal.
	ErrAssertion = errors.New("vhd: assertion failure")
)
