// Command snvm-mkimage wraps a raw binary blob into a well-formed
// Zenithvm image file: a main_header plus a single exists/clear-free
// memory-map region that copies the blob verbatim into guest memory
// at a chosen offset. It exists to produce test fixtures and small
// hand-assembled programs without a full toolchain.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"os"

	"github.com/notdroplt/snvm/model"
)

var (
	out        = flag.String("o", "a.snv", "output image path")
	memorySize = flag.Uint64("mem", 0x10000, "guest memory size in bytes")
	entryPoint = flag.Uint64("entry", 0, "entry point address")
	loadOffset = flag.Uint64("offset", 0, "guest memory offset the blob is placed at")
)

func main() {
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: snvm-mkimage [-o out.snv] [-mem N] [-entry N] [-offset N] <blob>")
		os.Exit(1)
	}

	blob, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "snvm-mkimage: %v\n", err)
		os.Exit(1)
	}

	image, err := build(blob, *memorySize, *entryPoint, *loadOffset)
	if err != nil {
		fmt.Fprintf(os.Stderr, "snvm-mkimage: %v\n", err)
		os.Exit(1)
	}

	if err := os.WriteFile(*out, image, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "snvm-mkimage: writing %s: %v\n", *out, err)
		os.Exit(1)
	}
}

const headerSize = 40
const regionSize = 40

// build assembles one header and one region descriptor that places
// blob at offset in a memorySize-byte guest buffer, matching the
// on-disk layout loader.Load parses.
func build(blob []byte, memorySize, entryPoint, offset uint64) ([]byte, error) {
	if offset+uint64(len(blob)) > memorySize {
		return nil, fmt.Errorf("blob of %d bytes at offset %#x overruns memory size %#x", len(blob), offset, memorySize)
	}
	if entryPoint > memorySize {
		return nil, fmt.Errorf("entry point %#x exceeds memory size %#x", entryPoint, memorySize)
	}

	v := model.Reference.Version
	version := uint64(v.Major)<<48 | uint64(v.Minor)<<32 | uint64(v.Patch)

	hdr := make([]byte, headerSize)
	binary.LittleEndian.PutUint64(hdr[0:8], 0x6D766874696E655A)
	binary.LittleEndian.PutUint64(hdr[8:16], version)
	binary.LittleEndian.PutUint64(hdr[16:24], memorySize)
	binary.LittleEndian.PutUint64(hdr[24:32], entryPoint)
	binary.LittleEndian.PutUint64(hdr[32:40], 1)

	region := make([]byte, regionSize)
	binary.LittleEndian.PutUint64(region[0:8], 0x2170616D5F6D656D)
	binary.LittleEndian.PutUint64(region[8:16], headerSize+regionSize) // start: right after header+region
	binary.LittleEndian.PutUint64(region[16:24], uint64(len(blob)))
	binary.LittleEndian.PutUint64(region[24:32], offset)
	region[32] = 1 | 16 // read | exists

	out := append(hdr, region...)
	out = append(out, blob...)
	return out, nil
}
