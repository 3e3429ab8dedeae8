package vhd

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// epoch is the VHD timestamp base: seconds since 2000-01-01 UTC.
var epoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// Byte offsets of the Checksum field within a packed footer/header, used to
// zero it before summing.
const (
	footerChecksumOffset = 64
	headerChecksumOffset = 36
)

// Footer is the 512-byte record duplicated at offset 0 and at the end of
// every VHD file.
type Footer struct {
	Cookie             [8]byte
	Features           uint32
	FileFormatVersion  uint32
	DataOffset         uint64
	TimeStamp          uint32
	CreatorApplication [4]byte
	CreatorVersion     uint32
	CreatorHostOS      uint32
	OriginalSize       uint64
	CurrentSize        uint64
	DiskGeometry       uint32
	DiskType           uint32
	Checksum           uint32
	UniqueID           [16]byte
	SavedState         byte
	Reserved           [427]byte
}

// ParentLocatorEntry describes one of a header's 8 parent-locator slots.
type ParentLocatorEntry struct {
	PlatformCode       uint32
	PlatformDataSpace  uint32
	PlatformDataLength uint32
	Reserved           uint32
	PlatformDataOffset uint64
}

// Header is the 1024-byte sparse-disk record at offset FooterSize.
type Header struct {
	Cookie            [8]byte
	DataOffset        uint64
	TableOffset       uint64
	HeaderVersion     uint32
	MaxTableEntries   uint32
	BlockSize         uint32
	Checksum          uint32
	ParentUniqueID    [16]byte
	ParentTimeStamp   uint32
	Reserved1         uint32
	ParentUnicodeName [512]byte
	ParentLocator     [ParentLocatorEntries]ParentLocatorEntry
	Reserved2         [256]byte
}

// NewUniqueID returns a fresh random UUID suitable for Footer.UniqueID.
func NewUniqueID() [16]byte {
	var id [16]byte
	u := uuid.New()
	copy(id[:], u[:])
	return id
}

// checksum computes the VHD one's-complement checksum of buf: the sum of
// every byte treated as unsigned, bitwise-inverted. Callers must have already
// zeroed the checksum field within buf.
func checksum(buf []byte) uint32 {
	var sum uint32
	for _, b := range buf {
		sum += uint32(b)
	}
	return ^sum
}

// PackFooter serializes f to its on-disk big-endian representation,
// recomputing and filling in its checksum.
func PackFooter(f *Footer) ([]byte, error) {
	cp := *f
	cp.Checksum = 0
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.BigEndian, &cp); err != nil {
		return nil, fmt.Errorf("vhd: pack footer: %w", err)
	}
	cp.Checksum = checksum(buf.Bytes())
	buf.Reset()
	if err := binary.Write(buf, binary.BigEndian, &cp); err != nil {
		return nil, fmt.Errorf("vhd: pack footer: %w", err)
	}
	return buf.Bytes(), nil
}

// UnpackFooter parses a FooterSize-byte big-endian buffer into a Footer,
// validating its cookie and checksum.
func UnpackFooter(buf []byte) (*Footer, error) {
	if len(buf) != FooterSize {
		return nil, fmt.Errorf("vhd: footer buffer is %d bytes, want %d", len(buf), FooterSize)
	}
	f := new(Footer)
	if err := binary.Read(bytes.NewReader(buf), binary.BigEndian, f); err != nil {
		return nil, fmt.Errorf("vhd: unpack footer: %w", err)
	}
	if string(f.Cookie[:]) != footerCookie {
		return nil, fmt.Errorf("%w: footer cookie %q", ErrInvalidRecord, f.Cookie[:])
	}
	want := f.Checksum
	cp := buf
	zeroed := make([]byte, len(cp))
	copy(zeroed, cp)
	binary.BigEndian.PutUint32(zeroed[footerChecksumOffset:footerChecksumOffset+4], 0)
	if got := checksum(zeroed); got != want {
		return nil, fmt.Errorf("%w: footer checksum %#x != stored %#x", ErrBadChecksum, got, want)
	}
	return f, nil
}

// PackHeader serializes h to its on-disk big-endian representation,
// recomputing and filling in its checksum.
func PackHeader(h *Header) ([]byte, error) {
	cp := *h
	cp.Checksum = 0
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.BigEndian, &cp); err != nil {
		return nil, fmt.Errorf("vhd: pack header: %w", err)
	}
	cp.Checksum = checksum(buf.Bytes())
	buf.Reset()
	if err := binary.Write(buf, binary.BigEndian, &cp); err != nil {
		return nil, fmt.Errorf("vhd: pack header: %w", err)
	}
	return buf.Bytes(), nil
}

// UnpackHeader parses a HeaderSize-byte big-endian buffer into a Header,
// validating its cookie, checksum, and minimum version.
func UnpackHeader(buf []byte) (*Header, error) {
	if len(buf) != HeaderSize {
		return nil, fmt.Errorf("vhd: header buffer is %d bytes, want %d", len(buf), HeaderSize)
	}
	h := new(Header)
	if err := binary.Read(bytes.NewReader(buf), binary.BigEndian, h); err != nil {
		return nil, fmt.Errorf("vhd: unpack header: %w", err)
	}
	if string(h.Cookie[:]) != headerCookie {
		return nil, fmt.Errorf("%w: header cookie %q", ErrInvalidRecord, h.Cookie[:])
	}
	if h.HeaderVersion < 1 {
		return nil, fmt.Errorf("%w: header version %#x", ErrInvalidRecord, h.HeaderVersion)
	}
	zeroed := make([]byte, len(buf))
	copy(zeroed, buf)
	binary.BigEndian.PutUint32(zeroed[headerChecksumOffset:headerChecksumOffset+4], 0)
	if got := checksum(zeroed); got != h.Checksum {
		return nil, fmt.Errorf("%w: header checksum %#x != stored %#x", ErrBadChecksum, got, h.Checksum)
	}
	return h, nil
}

// chsGeometry derives the footer's legacy CHS DiskGeometry field from a
// sector count, reproducing the algorithm every VHD-producing tool uses.
func chsGeometry(totalSectors int64) uint32 {
	var cylinders, heads, sectorsPerTrack, cylinderTimesHeads int64

	if totalSectors > 65535*16*255 {
		totalSectors = 65535 * 16 * 255
	}

	if totalSectors >= 65535*16*63 {
		sectorsPerTrack = 255
		heads = 16
		cylinderTimesHeads = totalSectors / sectorsPerTrack
	} else {
		sectorsPerTrack = 17
		cylinderTimesHeads = totalSectors / sectorsPerTrack
		heads = (cylinderTimesHeads + 1023) / 1024
		if heads < 4 {
			heads = 4
		}
		if cylinderTimesHeads >= (heads*1024) || heads > 16 {
			sectorsPerTrack = 31
			heads = 16
			cylinderTimesHeads = totalSectors / sectorsPerTrack
		}
		if cylinderTimesHeads >= heads*1024 {
			sectorsPerTrack = 63
			heads = 16
			cylinderTimesHeads = totalSectors / sectorsPerTrack
		}
	}
	cylinders = cylinderTimesHeads / heads

	return uint32(cylinders<<16 | heads<<8 | sectorsPerTrack)
}

func vhdTimestamp(t time.Time) uint32 {
	return uint32(t.Unix() - epoch.Unix())
}

func asciiTag(s string) [4]byte {
	var b [4]byte
	copy(b[:], s)
	return b
}

func cookieBytes(s string) [8]byte {
	var b [8]byte
	copy(b[:], s)
	return b
}
