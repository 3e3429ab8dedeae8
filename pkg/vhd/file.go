package vhd

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"
	"unicode/utf16"
)

// File implements Instance against a single VHD file accessed through a
// Handler. It is the only VHD representation in this package; a
// directory-backed or streaming representation would implement the same
// Instance contract, reusing CoalesceBlock's run-length bitmap merge and
// replacing only the positional read/write internals.
type File struct {
	handler Handler
	path    string
	handle  Handle

	footer *Footer
	header *Header
	geom   Geometry
	bat    []byte // batSize() bytes, big-endian u32 entries

	// bitmapCache holds this VHD's current bitmap for a block across the
	// sector runs processed within a single CoalesceBlock call.
	bitmapCache map[uint32][]byte
}

// CreateConfig describes a new VHD's identity for Create.
type CreateConfig struct {
	Size               int64
	BlockSize          uint32
	DiskType           DiskType
	ParentPath         string // required when DiskType == Differencing
	CreatorApplication string
}

// Open opens an existing VHD at path through handler, eagerly validating its
// footer and header. The returned File must be released with Close.
func Open(handler Handler, path string) (*File, error) {
	return OpenChecked(handler, path, true)
}

// OpenChecked is Open with control over whether the end-of-file footer copy
// is validated against the primary. A VHD whose previous merge was
// interrupted mid block-relocation can have a stale end-of-file footer; the
// cleaner reopens such children with checkSecondFooter=false so it can still
// resume the merge.
func OpenChecked(handler Handler, path string, checkSecondFooter bool) (*File, error) {
	h, err := handler.OpenFile(path, ModeReadWrite)
	if err != nil {
		return nil, err
	}
	f := &File{handler: handler, path: path, handle: h}
	if err := f.ReadHeaderAndFooter(checkSecondFooter); err != nil {
		handler.CloseFile(h)
		return nil, err
	}
	if err := f.ReadBlockAllocationTable(); err != nil {
		handler.CloseFile(h)
		return nil, err
	}
	return f, nil
}

// Create makes a new, empty VHD at path through handler, failing if path
// already exists. For a Differencing disk, cfg.ParentPath must name an
// already-valid parent VHD; its identity is copied into the new header.
func Create(handler Handler, path string, cfg CreateConfig) (*File, error) {
	if cfg.BlockSize == 0 {
		cfg.BlockSize = 2 * 1024 * 1024
	}
	maxTableEntries := uint32(ceilDiv(cfg.Size, int64(cfg.BlockSize)))
	geom := ComputeGeometry(cfg.BlockSize, maxTableEntries)

	reserveLocatorSectors := int64(0)
	if cfg.DiskType == Differencing {
		reserveLocatorSectors = 1
	}
	tableOffset := int64(FooterSize+HeaderSize) + reserveLocatorSectors*SectorSize

	h, err := handler.OpenFile(path, ModeExclusiveCreate)
	if err != nil {
		return nil, err
	}

	f := &File{handler: handler, path: path, handle: h}

	footer := &Footer{
		Cookie:             cookieBytes(footerCookie),
		Features:           0x00000002,
		FileFormatVersion:  0x00010000,
		DataOffset:         FooterSize,
		TimeStamp:          vhdTimestamp(time.Now()),
		CreatorApplication: asciiTag(orDefault(cfg.CreatorApplication, "vhdc")),
		CreatorVersion:     0x00010000,
		CreatorHostOS:      0x5769326b, // "Wi2k"
		OriginalSize:       uint64(cfg.Size),
		CurrentSize:        uint64(cfg.Size),
		DiskGeometry:       chsGeometry(cfg.Size / SectorSize),
		DiskType:           uint32(cfg.DiskType),
		UniqueID:           NewUniqueID(),
	}

	header := &Header{
		Cookie:          cookieBytes(headerCookie),
		DataOffset:      0xFFFFFFFFFFFFFFFF,
		TableOffset:     uint64(tableOffset),
		HeaderVersion:   0x00010000,
		MaxTableEntries: maxTableEntries,
		BlockSize:       cfg.BlockSize,
	}

	f.footer = footer
	f.setHeader(header)
	f.bat = make([]byte, geom.BatSize)
	for i := range f.bat {
		f.bat[i] = 0xFF
	}

	if cfg.DiskType == Differencing {
		parent, err := Open(handler, cfg.ParentPath)
		if err != nil {
			handler.CloseFile(h)
			return nil, fmt.Errorf("vhd: create differencing disk: open parent: %w", err)
		}
		header.ParentUniqueID = parent.footer.UniqueID
		header.ParentTimeStamp = parent.footer.TimeStamp
		handler.CloseFile(parent.handle)

		if err := f.SetUniqueParentLocator(cfg.ParentPath); err != nil {
			handler.CloseFile(h)
			return nil, err
		}
	}

	if err := f.WriteBlockAllocationTable(); err != nil {
		handler.CloseFile(h)
		return nil, err
	}
	if err := f.WriteHeader(); err != nil {
		handler.CloseFile(h)
		return nil, err
	}
	if err := f.WriteFooter(false); err != nil {
		handler.CloseFile(h)
		return nil, err
	}

	return f, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// Close releases the underlying Handle.
func (f *File) Close() error {
	return f.handler.CloseFile(f.handle)
}

func (f *File) fileSize() (int64, error) {
	return f.handler.GetSize(f.path)
}

// setHeader assigns h and atomically recomputes the cached geometry, so
// geometry can never be read stale against a newer header.
func (f *File) setHeader(h *Header) {
	f.header = h
	f.geom = ComputeGeometry(h.BlockSize, h.MaxTableEntries)
}

// ReadHeaderAndFooter implements Instance.
func (f *File) ReadHeaderAndFooter(checkSecondFooter bool) error {
	buf := make([]byte, FooterSize+HeaderSize)
	if _, err := f.handle.ReadAt(buf, 0); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: file too short for a footer and header", ErrInvalidRecord)
		}
		return fmt.Errorf("vhd: read header/footer: %w", err)
	}

	footer, err := UnpackFooter(buf[:FooterSize])
	if err != nil {
		return err
	}
	header, err := UnpackHeader(buf[FooterSize:])
	if err != nil {
		return err
	}

	if checkSecondFooter {
		size, err := f.fileSize()
		if err != nil {
			return fmt.Errorf("vhd: stat: %w", err)
		}
		end := make([]byte, FooterSize)
		if _, err := f.handle.ReadAt(end, size-FooterSize); err != nil {
			return fmt.Errorf("vhd: read end footer: %w", err)
		}
		if string(end) != string(buf[:FooterSize]) {
			return ErrFooterMismatch
		}
	}

	f.footer = footer
	f.setHeader(header)
	return nil
}

// ReadBlockAllocationTable implements Instance.
func (f *File) ReadBlockAllocationTable() error {
	batSize := f.geom.BatSize
	buf := make([]byte, batSize)
	if _, err := f.handle.ReadAt(buf, int64(f.header.TableOffset)); err != nil {
		return fmt.Errorf("vhd: read BAT: %w", err)
	}
	f.bat = buf
	return nil
}

func (f *File) getBatEntry(i uint32) uint32 {
	if int64(i) >= int64(f.header.MaxTableEntries) {
		return BlockUnused
	}
	return binary.BigEndian.Uint32(f.bat[4*i:])
}

func (f *File) setBatEntryMem(i uint32, v uint32) {
	binary.BigEndian.PutUint32(f.bat[4*i:], v)
}

func (f *File) writeBatEntry(i uint32) error {
	return f.writeBytes(int64(f.header.TableOffset)+4*int64(i), f.bat[4*i:4*i+4])
}

func (f *File) writeBytes(off int64, buf []byte) error {
	_, err := f.handle.WriteAt(buf, off)
	return err
}

func (f *File) readBytes(off int64, n int64) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := f.handle.ReadAt(buf, off); err != nil {
		return nil, err
	}
	return buf, nil
}

// ContainsBlock implements Instance.
func (f *File) ContainsBlock(blockID uint32) bool {
	return f.getBatEntry(blockID) != BlockUnused
}

// ReadBlock implements Instance.
func (f *File) ReadBlock(blockID uint32, onlyBitmap bool) (*Block, error) {
	entry := f.getBatEntry(blockID)
	if entry == BlockUnused {
		return nil, ErrBlockAbsent
	}
	off := sectorsToBytes(int64(entry))
	n := f.geom.BitmapSize
	if !onlyBitmap {
		n = f.geom.FullBlockSize
	}
	buf, err := f.readBytes(off, n)
	if err != nil {
		return nil, fmt.Errorf("vhd: read block %d: %w", blockID, err)
	}
	b := &Block{ID: blockID, Bitmap: buf[:f.geom.BitmapSize]}
	if !onlyBitmap {
		b.Data = buf[f.geom.BitmapSize:]
	}
	return b, nil
}

// getFirstAndLastBlocks returns the allocated BAT entries with the minimum
// and maximum sector addresses. ok is false if no blocks are allocated.
func (f *File) getFirstAndLastBlocks() (first uint32, firstSector uint32, lastSector uint32, ok bool) {
	firstSector = ^uint32(0)
	for i := uint32(0); i < f.header.MaxTableEntries; i++ {
		e := f.getBatEntry(i)
		if e == BlockUnused {
			continue
		}
		if !ok || e < firstSector {
			first = i
			firstSector = e
		}
		if e > lastSector {
			lastSector = e
		}
		ok = true
	}
	return
}

// freeFirstBlockSpace ensures spaceNeeded additional bytes are free between
// the end of the BAT and the first allocated block, relocating that block
// to the end of the file (repeatedly) if necessary.
func (f *File) freeFirstBlockSpace(spaceNeeded int64) error {
	if spaceNeeded <= 0 {
		return nil
	}
	first, firstSector, lastSector, ok := f.getFirstAndLastBlocks()
	if !ok {
		return nil // no data blocks yet; nothing to relocate
	}

	tableEnd := int64(f.header.TableOffset) + f.geom.BatSize
	if tableEnd+spaceNeeded <= sectorsToBytes(int64(firstSector)) {
		return nil
	}

	targetSector := int64(lastSector) + f.geom.FullBlockSize/SectorSize
	minTarget := ceilDiv(tableEnd+spaceNeeded, SectorSize)
	if minTarget > targetSector {
		targetSector = minTarget
	}

	buf, err := f.readBytes(sectorsToBytes(int64(firstSector)), f.geom.FullBlockSize)
	if err != nil {
		return fmt.Errorf("vhd: relocate block %d: read: %w", first, err)
	}
	if err := f.writeBytes(sectorsToBytes(targetSector), buf); err != nil {
		return fmt.Errorf("vhd: relocate block %d: write: %w", first, err)
	}

	f.setBatEntryMem(first, uint32(targetSector))
	if err := f.writeBatEntry(first); err != nil {
		return fmt.Errorf("vhd: relocate block %d: persist BAT entry: %w", first, err)
	}

	// Durability checkpoint: the end footer must reflect the new end of
	// data before we consider this relocation complete, so a crash between
	// here and the next one leaves a valid (if not maximally compact) file.
	if err := f.WriteFooter(true); err != nil {
		return fmt.Errorf("vhd: relocate block %d: checkpoint footer: %w", first, err)
	}

	return f.freeFirstBlockSpace(spaceNeeded - f.geom.FullBlockSize)
}

// EnsureBatSize implements Instance.
func (f *File) EnsureBatSize(entries uint32) error {
	if entries <= f.header.MaxTableEntries {
		return nil
	}
	oldBatSize := f.geom.BatSize
	newBatSize := computeBatSize(entries)

	if err := f.freeFirstBlockSpace(newBatSize - oldBatSize); err != nil {
		return err
	}

	newBat := make([]byte, newBatSize)
	copy(newBat, f.bat)
	for i := oldBatSize; i < newBatSize; i++ {
		newBat[i] = 0xFF
	}
	f.bat = newBat

	if err := f.writeBytes(int64(f.header.TableOffset)+oldBatSize, newBat[oldBatSize:]); err != nil {
		return fmt.Errorf("vhd: ensure BAT size: persist tail: %w", err)
	}

	h := *f.header
	h.MaxTableEntries = entries
	f.setHeader(&h)
	if err := f.WriteHeader(); err != nil {
		return err
	}
	return nil
}

func (f *File) endOfHeaders() int64 {
	end := int64(FooterSize + HeaderSize)
	if v := int64(f.header.TableOffset) + f.geom.BatSize; v > end {
		end = v
	}
	for _, pl := range f.header.ParentLocator {
		if pl.PlatformCode == uint32(PlatformNone) {
			continue
		}
		v := int64(pl.PlatformDataOffset) + int64(pl.PlatformDataSpace)*SectorSize
		if v > end {
			end = v
		}
	}
	return end
}

func (f *File) endOfData() int64 {
	end := bytesToSectors(f.endOfHeaders())
	for i := uint32(0); i < f.header.MaxTableEntries; i++ {
		e := f.getBatEntry(i)
		if e == BlockUnused {
			continue
		}
		v := int64(e) + f.geom.SectorsOfBitmap + f.geom.SectorsPerBlock
		if v > end {
			end = v
		}
	}
	return sectorsToBytes(end)
}

// createBlock allocates blockID at the end of data. Its bitmap and data
// bytes are left unwritten; the caller must write them in the same logical
// operation.
func (f *File) createBlock(blockID uint32) (int64, error) {
	if f.getBatEntry(blockID) != BlockUnused {
		return 0, fmt.Errorf("%w: createBlock on already-allocated block %d", ErrAssertion, blockID)
	}
	sector := bytesToSectors(f.endOfData())
	f.setBatEntryMem(blockID, uint32(sector))
	if err := f.writeBatEntry(blockID); err != nil {
		return 0, err
	}
	// The new block starts where the end footer was; write the end footer
	// again past the block so the file keeps a valid end copy.
	if err := f.WriteFooter(true); err != nil {
		return 0, err
	}
	return sector, nil
}

func (f *File) writeBitmap(blockID uint32, bitmap []byte) error {
	entry := f.getBatEntry(blockID)
	return f.writeBytes(sectorsToBytes(int64(entry)), bitmap)
}

func (f *File) bitmapFor(blockID uint32, allocateIfAbsent bool) ([]byte, error) {
	if !f.ContainsBlock(blockID) {
		if !allocateIfAbsent {
			return nil, ErrBlockAbsent
		}
		if _, err := f.createBlock(blockID); err != nil {
			return nil, err
		}
		return make([]byte, f.geom.BitmapSize), nil
	}
	b, err := f.ReadBlock(blockID, true)
	if err != nil {
		return nil, err
	}
	return b.Bitmap, nil
}

// writeBlockSectors allocates blockID if needed, sets bits
// [offsetInBlock, endInBlock) in its bitmap, writes the updated bitmap, and
// writes data (len(data) == (endInBlock-offsetInBlock)*SectorSize) at the
// corresponding sector range.
func (f *File) writeBlockSectors(blockID uint32, offsetInBlock, endInBlock int64, data []byte) error {
	bitmap, err := f.bitmapFor(blockID, true)
	if err != nil {
		return err
	}
	for s := offsetInBlock; s < endInBlock; s++ {
		BitmapSet(bitmap, int(s))
	}
	if err := f.writeBitmap(blockID, bitmap); err != nil {
		return err
	}
	entry := f.getBatEntry(blockID)
	dataOff := sectorsToBytes(int64(entry)) + f.geom.BitmapSize + sectorsToBytes(offsetInBlock)
	return f.writeBytes(dataOff, data)
}

// WriteEntireBlock implements Instance.
func (f *File) WriteEntireBlock(b *Block) error {
	if !f.ContainsBlock(b.ID) {
		if _, err := f.createBlock(b.ID); err != nil {
			return err
		}
	}
	entry := f.getBatEntry(b.ID)
	off := sectorsToBytes(int64(entry))
	if err := f.writeBytes(off, b.Bitmap); err != nil {
		return err
	}
	return f.writeBytes(off+f.geom.BitmapSize, b.Data)
}

// WriteData splits buffer across whichever blocks it spans, starting at
// offsetSectors, allocating and bitmap-marking as needed, then checkpoints
// both footer copies.
func (f *File) WriteData(offsetSectors int64, buffer []byte) error {
	spb := f.geom.SectorsPerBlock
	totalSectors := bytesToSectors(int64(len(buffer)))
	firstBlock := offsetSectors / spb
	lastBlock := ceilDiv(offsetSectors+totalSectors, spb)

	bufOff := int64(0)
	for block := firstBlock; block < lastBlock; block++ {
		blockStartSector := block * spb
		offsetInBlock := int64(0)
		if block == firstBlock {
			offsetInBlock = offsetSectors - blockStartSector
		}
		endInBlock := spb
		if block == lastBlock-1 {
			endInBlock = (offsetSectors + totalSectors) - blockStartSector
		}

		n := sectorsToBytes(endInBlock - offsetInBlock)
		if bufOff+n > int64(len(buffer)) {
			n = int64(len(buffer)) - bufOff
		}
		slice := buffer[bufOff : bufOff+n]
		bufOff += n

		if offsetInBlock == 0 && endInBlock == spb {
			bitmap := make([]byte, f.geom.BitmapSize)
			for i := range bitmap {
				bitmap[i] = 0xFF
			}
			if err := f.WriteEntireBlock(&Block{ID: uint32(block), Bitmap: bitmap, Data: slice}); err != nil {
				return err
			}
			continue
		}

		scratch := make([]byte, sectorsToBytes(endInBlock-offsetInBlock))
		copy(scratch, slice)
		if err := f.writeBlockSectors(uint32(block), offsetInBlock, endInBlock, scratch); err != nil {
			return err
		}
	}

	return f.WriteFooter(false)
}

// CoalesceBlock implements Instance.
func (f *File) CoalesceBlock(child Instance, blockID uint32) (int64, error) {
	if child.Geometry().SectorsPerBlock != f.geom.SectorsPerBlock {
		return 0, fmt.Errorf("%w: coalesce block size mismatch", ErrAssertion)
	}
	cb, err := child.ReadBlock(blockID, false)
	if err != nil {
		return 0, err
	}

	spb := int(f.geom.SectorsPerBlock)
	runs := BitmapRuns(cb.Bitmap, spb)
	f.bitmapCache = map[uint32][]byte{}

	var written int64
	for _, run := range runs {
		start, end := run[0], run[1]
		dataStart := sectorsToBytes(int64(start))
		dataEnd := sectorsToBytes(int64(end))
		runData := cb.Data[dataStart:dataEnd]

		if start == 0 && end == spb {
			if err := f.WriteEntireBlock(&Block{ID: blockID, Bitmap: cb.Bitmap, Data: cb.Data}); err != nil {
				return written, err
			}
			written += int64(len(cb.Data))
			delete(f.bitmapCache, blockID)
			continue
		}

		bitmap, cached := f.bitmapCache[blockID]
		if !cached {
			bitmap, err = f.bitmapFor(blockID, true)
			if err != nil {
				return written, err
			}
		}
		for s := start; s < end; s++ {
			BitmapSet(bitmap, s)
		}
		f.bitmapCache[blockID] = bitmap

		if err := f.writeBitmap(blockID, bitmap); err != nil {
			return written, err
		}
		entry := f.getBatEntry(blockID)
		off := sectorsToBytes(int64(entry)) + f.geom.BitmapSize + dataStart
		if err := f.writeBytes(off, runData); err != nil {
			return written, err
		}
		written += int64(len(runData))
	}

	return written, nil
}

// WriteFooter implements Instance.
func (f *File) WriteFooter(onlyEnd bool) error {
	buf, err := PackFooter(f.footer)
	if err != nil {
		return err
	}
	size, err := f.fileSize()
	if err != nil {
		return err
	}
	end := f.endOfData()
	if size-FooterSize > end {
		end = size - FooterSize
	}
	if err := f.writeBytes(end, buf); err != nil {
		return err
	}
	if !onlyEnd {
		if err := f.writeBytes(0, buf); err != nil {
			return err
		}
	}
	return nil
}

// WriteHeader implements Instance.
func (f *File) WriteHeader() error {
	buf, err := PackHeader(f.header)
	if err != nil {
		return err
	}
	return f.writeBytes(FooterSize, buf)
}

// WriteBlockAllocationTable implements Instance.
func (f *File) WriteBlockAllocationTable() error {
	return f.writeBytes(int64(f.header.TableOffset), f.bat)
}

// ensureSpaceForParentLocators guarantees neededSectors of free space exists
// between the end of the header region and the BAT, relocating the first
// data block and shifting the BAT forward if it doesn't.
func (f *File) ensureSpaceForParentLocators(neededSectors int64) (int64, error) {
	headerEnd := int64(FooterSize + HeaderSize)
	available := int64(f.header.TableOffset) - headerEnd
	needed := neededSectors * SectorSize
	if available >= needed {
		return headerEnd, nil
	}

	deficit := needed - available
	if err := f.freeFirstBlockSpace(deficit + f.geom.BatSize); err != nil {
		return 0, err
	}

	newTableOffset := int64(f.header.TableOffset) + deficit
	if err := f.writeBytes(newTableOffset, f.bat); err != nil {
		return 0, fmt.Errorf("vhd: shift BAT: %w", err)
	}

	h := *f.header
	h.TableOffset = uint64(newTableOffset)
	f.setHeader(&h)

	return headerEnd, nil
}

// SetUniqueParentLocator implements Instance.
func (f *File) SetUniqueParentLocator(path string) error {
	units := utf16.Encode([]rune(path))
	data := make([]byte, len(units)*2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(data[2*i:], u)
	}

	sectors := bytesToSectors(int64(len(data)))
	if sectors == 0 {
		sectors = 1
	}
	base, err := f.ensureSpaceForParentLocators(sectors)
	if err != nil {
		return err
	}

	if err := f.writeBytes(base, data); err != nil {
		return err
	}

	h := *f.header
	h.ParentLocator[0] = ParentLocatorEntry{
		PlatformCode:       uint32(PlatformW2ku),
		PlatformDataSpace:  uint32(sectors),
		PlatformDataLength: uint32(len(data)),
		PlatformDataOffset: uint64(base),
	}
	for i := 1; i < ParentLocatorEntries; i++ {
		h.ParentLocator[i] = ParentLocatorEntry{}
	}

	name := utf16.Encode([]rune(filepath.Base(path)))
	var nameBuf [512]byte
	for i, u := range name {
		if 2*i+2 > len(nameBuf) {
			break
		}
		binary.BigEndian.PutUint16(nameBuf[2*i:], u)
	}
	h.ParentUnicodeName = nameBuf

	f.setHeader(&h)
	return f.WriteHeader()
}

// ReadParentLocatorData implements Instance.
func (f *File) ReadParentLocatorData(i int) ([]byte, error) {
	pl := f.header.ParentLocator[i]
	if pl.PlatformDataSpace == 0 {
		// Correct, non-inverted condition per the abstract contract: an
		// empty locator has nothing to read.
		return nil, nil
	}
	return f.readBytes(int64(pl.PlatformDataOffset), int64(pl.PlatformDataLength))
}

// WriteParentLocator implements Instance. Argument order is (id, byteOffset,
// data): the abstract contract's order, not the stub's swapped one.
func (f *File) WriteParentLocator(id int, byteOffset int64, data []byte) error {
	if err := f.writeBytes(byteOffset, data); err != nil {
		return err
	}
	sectors := bytesToSectors(int64(len(data)))
	h := *f.header
	h.ParentLocator[id] = ParentLocatorEntry{
		PlatformCode:       uint32(PlatformW2ku),
		PlatformDataSpace:  uint32(sectors),
		PlatformDataLength: uint32(len(data)),
		PlatformDataOffset: uint64(byteOffset),
	}
	f.setHeader(&h)
	return f.WriteHeader()
}

// BatSize implements Instance.
func (f *File) BatSize() int64 { return f.geom.BatSize }

// Header implements Instance.
func (f *File) Header() *Header { return f.header }

// Footer implements Instance.
func (f *File) Footer() *Footer { return f.footer }

// Geometry implements Instance.
func (f *File) Geometry() Geometry { return f.geom }

// Path returns the path this File was opened or created at.
func (f *File) Path() string { return f.path }

var _ Instance = (*File)(nil)
