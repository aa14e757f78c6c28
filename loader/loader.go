// Package loader parses Zenithvm executable images: a magic-tagged
// main header followed by a table of memory-region descriptors, and
// materialises them into a freshly allocated guest Memory buffer
// (spec.md §4.7, §6 "Image file format").
package loader

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/notdroplt/snvm/model"
	"github.com/notdroplt/snvm/vm"
)

const (
	mainHeaderMagic = 0x6D766874696E655A // "Zenithvm"
	memMapMagic     = 0x2170616D5F6D656D // "mem_map!"

	mainHeaderSize = 40
	memMapSize     = 40
)

// Region flag bits (spec.md §6 memory-map entry).
const (
	FlagRead    = 1 << 0
	FlagWrite   = 1 << 1
	FlagExecute = 1 << 2
	FlagClear   = 1 << 3
	FlagExists  = 1 << 4
)

// Status is the outcome of a Load call. On any value other than
// ReadOk, the returned *vm.Memory is nil.
type Status int

const (
	ReadOk Status = iota
	FileNotFound
	InvalidHeader
	InvalidEntryPoint
	VersionMismatch
	MagicMismatch
	InvalidMemoryRegion
	FileError
)

func (s Status) String() string {
	switch s {
	case ReadOk:
		return "read-ok"
	case FileNotFound:
		return "file-not-found"
	case InvalidHeader:
		return "invalid-header"
	case InvalidEntryPoint:
		return "invalid-entry-point"
	case VersionMismatch:
		return "version-mismatch"
	case MagicMismatch:
		return "magic-mismatch"
	case InvalidMemoryRegion:
		return "invalid-memory-region"
	case FileError:
		return "file-error"
	default:
		return "unknown"
	}
}

// Image is the result of a successful Load: an allocated, populated
// guest memory buffer plus the geometry the engine needs to start a
// Thread against it.
type Image struct {
	Status     Status
	MemorySize uint64
	EntryPoint uint64
	Memory     *vm.Memory
}

type mainHeader struct {
	magic         uint64
	version       uint64
	memorySize    uint64
	entryPoint    uint64
	memoryRegions uint64
}

type memMapEntry struct {
	magic  uint64
	start  uint64
	size   uint64
	offset uint64
	flags  byte
}

// Load reads and validates a Zenithvm image file at path, materialising
// its memory regions against a freshly allocated buffer of the header's
// declared memory_size. mdl supplies the engine's own Version for the
// major/minor compatibility check (spec.md §4.7 step 3).
func Load(path string, mdl *model.Descriptor) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Image{Status: FileNotFound}, nil
		}
		return &Image{Status: FileError}, fmt.Errorf("loader: opening %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return &Image{Status: FileError}, fmt.Errorf("loader: stat %s: %w", path, err)
	}
	fileSize := uint64(info.Size())
	if fileSize < mainHeaderSize {
		return &Image{Status: InvalidHeader}, nil
	}

	hdrBuf := make([]byte, mainHeaderSize)
	if _, err := io.ReadFull(f, hdrBuf); err != nil {
		return &Image{Status: FileError}, fmt.Errorf("loader: reading header of %s: %w", path, err)
	}
	hdr := decodeMainHeader(hdrBuf)

	if hdr.magic != mainHeaderMagic {
		return &Image{Status: MagicMismatch}, nil
	}
	if !versionCompatible(hdr.version, mdl.Version) {
		return &Image{Status: VersionMismatch}, nil
	}
	if hdr.entryPoint > hdr.memorySize {
		return &Image{Status: InvalidEntryPoint}, nil
	}

	needed := mainHeaderSize + hdr.memoryRegions*memMapSize
	if fileSize < needed {
		return &Image{Status: InvalidHeader}, nil
	}

	regions := make([]memMapEntry, hdr.memoryRegions)
	regionBuf := make([]byte, memMapSize)
	for i := range regions {
		if _, err := io.ReadFull(f, regionBuf); err != nil {
			return &Image{Status: FileError}, fmt.Errorf("loader: reading region %d of %s: %w", i, path, err)
		}
		region := decodeMemMapEntry(regionBuf)
		if region.magic != memMapMagic {
			return &Image{Status: MagicMismatch}, nil
		}
		if region.offset+region.size > hdr.memorySize {
			return &Image{Status: InvalidMemoryRegion}, nil
		}
		if region.start+region.size > fileSize {
			return &Image{Status: InvalidMemoryRegion}, nil
		}
		regions[i] = region
	}

	mem := vm.NewMemory(hdr.memorySize)
	for _, region := range regions {
		if region.flags&FlagExists == 0 {
			continue
		}
		if region.flags&FlagClear != 0 {
			continue // buffer is already zero-initialised
		}
		if _, err := f.Seek(int64(region.start), io.SeekStart); err != nil {
			return &Image{Status: FileError}, fmt.Errorf("loader: seeking in %s: %w", path, err)
		}
		if _, err := io.ReadFull(f, mem.Bytes()[region.offset:region.offset+region.size]); err != nil {
			return &Image{Status: FileError}, fmt.Errorf("loader: reading region body of %s: %w", path, err)
		}
	}

	return &Image{
		Status:     ReadOk,
		MemorySize: hdr.memorySize,
		EntryPoint: hdr.entryPoint,
		Memory:     mem,
	}, nil
}

func decodeMainHeader(b []byte) mainHeader {
	return mainHeader{
		magic:         binary.LittleEndian.Uint64(b[0:8]),
		version:       binary.LittleEndian.Uint64(b[8:16]),
		memorySize:    binary.LittleEndian.Uint64(b[16:24]),
		entryPoint:    binary.LittleEndian.Uint64(b[24:32]),
		memoryRegions: binary.LittleEndian.Uint64(b[32:40]),
	}
}

func decodeMemMapEntry(b []byte) memMapEntry {
	return memMapEntry{
		magic:  binary.LittleEndian.Uint64(b[0:8]),
		start:  binary.LittleEndian.Uint64(b[8:16]),
		size:   binary.LittleEndian.Uint64(b[16:24]),
		offset: binary.LittleEndian.Uint64(b[24:32]),
		flags:  b[32],
	}
}

// versionCompatible implements spec.md §4.7's "major+minor must match,
// patch differences tolerated" rule. The header packs version as
// major<<48 | minor<<32 | patch; masking off the low 32 bits compares
// only major+minor.
func versionCompatible(headerVersion uint64, own model.Version) bool {
	ownPacked := uint64(own.Major)<<48 | uint64(own.Minor)<<32 | uint64(own.Patch)
	return headerVersion&^0xFFFFFFFF == ownPacked&^0xFFFFFFFF
}
