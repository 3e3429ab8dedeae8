package vhd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleFooter() *Footer {
	return &Footer{
		Cookie:             cookieBytes(footerCookie),
		Features:           2,
		FileFormatVersion:  0x00010000,
		DataOffset:         FooterSize,
		TimeStamp:          vhdTimestamp(time.Now()),
		CreatorApplication: asciiTag("gock"),
		CreatorVersion:     0x00010000,
		CreatorHostOS:      asciiTagUint32("Wi2k"),
		OriginalSize:       1 << 30,
		CurrentSize:        1 << 30,
		DiskGeometry:       chsGeometry((1 << 30) / SectorSize),
		DiskType:           uint32(Dynamic),
		UniqueID:           NewUniqueID(),
	}
}

func asciiTagUint32(s string) uint32 {
	b := asciiTag(s)
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func TestFooterRoundTrip(t *testing.T) {
	f := sampleFooter()

	buf, err := PackFooter(f)
	require.NoError(t, err)
	require.Len(t, buf, FooterSize)

	got, err := UnpackFooter(buf)
	require.NoError(t, err)
	assert.Equal(t, f.Cookie, got.Cookie)
	assert.Equal(t, f.OriginalSize, got.OriginalSize)
	assert.Equal(t, f.UniqueID, got.UniqueID)
	assert.NotZero(t, got.Checksum)
}

func TestUnpackFooterBadCookie(t *testing.T) {
	f := sampleFooter()
	buf, err := PackFooter(f)
	require.NoError(t, err)

	buf[0] = 'x'
	_, err = UnpackFooter(buf)
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestUnpackFooterBadChecksum(t *testing.T) {
	f := sampleFooter()
	buf, err := PackFooter(f)
	require.NoError(t, err)

	buf[len(buf)-1] ^= 0xFF
	_, err = UnpackFooter(buf)
	assert.ErrorIs(t, err, ErrBadChecksum)
}

func TestUnpackFooterWrongLength(t *testing.T) {
	_, err := UnpackFooter(make([]byte, FooterSize-1))
	assert.Error(t, err)
}

func sampleHeader() *Header {
	return &Header{
		Cookie:          cookieBytes(headerCookie),
		DataOffset:      0xFFFFFFFFFFFFFFFF,
		TableOffset:     FooterSize + HeaderSize,
		HeaderVersion:   0x00010000,
		MaxTableEntries: 512,
		BlockSize:       2 * 1024 * 1024,
		ParentUniqueID:  NewUniqueID(),
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	h := sampleHeader()

	buf, err := PackHeader(h)
	require.NoError(t, err)
	require.Len(t, buf, HeaderSize)

	got, err := UnpackHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, h.MaxTableEntries, got.MaxTableEntries)
	assert.Equal(t, h.BlockSize, got.BlockSize)
	assert.Equal(t, h.TableOffset, got.TableOffset)
}

func TestUnpackHeaderBadVersion(t *testing.T) {
	h := sampleHeader()
	h.HeaderVersion = 0

	buf, err := PackHeader(h)
	require.NoError(t, err)

	_, err = UnpackHeader(buf)
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestChecksumIsOnesComplementOfByteSum(t *testing.T) {
	buf := []byte{1, 2, 3, 4}
	var sum uint32
	for _, b := range buf {
		sum += uint32(b)
	}
	assert.Equal(t, ^sum, checksum(buf))
}

func TestChsGeometrySmallDisk(t *testing.T) {
	g := chsGeometry(2048) // 1 MiB worth of sectors
	cylinders := g >> 16
	heads := (g >> 8) & 0xFF
	sectorsPerTrack := g & 0xFF
	assert.NotZero(t, cylinders)
	assert.GreaterOrEqual(t, heads, uint32(4))
	assert.Greater(t, sectorsPerTrack, uint32(0))
}

func TestChsGeometryClampsHugeDisk(t *testing.T) {
	g := chsGeometry(1 << 40)
	g2 := chsGeometry(65535 * 16 * 255)
	assert.Equal(t, g2, g)
}
