// Package uf2 decodes and validates the 512-byte UF2 block stream this
// loader consumes. The wire format is bit-exact with the public UF2
// specification; the validation rules are the ones this device family
// requires before a block's payload may reach flash.
package uf2

import (
	"encoding/binary"
	"errors"
)

// BlockSize is the size of every UF2 block, exactly one filesystem
// sector, regardless of the file's actual payload size per block.
const BlockSize = 512

// PayloadCap is the maximum number of payload bytes a block can carry.
const PayloadCap = 476

// Wire-format magic numbers, normative per the public UF2 specification.
const (
	MagicStart0 = 0x0A324655
	MagicStart1 = 0x9E5D5157
	MagicEnd    = 0x0AB16F30
)

// Flag bits within Block.Flags.
const (
	FlagNotMainFlash    = 1 << 0
	FlagFamilyIDPresent = 1 << 13
)

// ErrShortBlock is returned by Decode when the input is not exactly
// BlockSize bytes.
var ErrShortBlock = errors.New("uf2: block is not 512 bytes")

// ErrBadMagic is returned by Decode when any of the three magic words
// don't match.
var ErrBadMagic = errors.New("uf2: bad magic")

// Block is a decoded UF2 block.
type Block struct {
	Flags        uint32
	TargetAddr   uint32
	PayloadSize  uint32
	BlockNo      uint32
	NumBlocks    uint32
	FileSizeOrID uint32
	Data         [PayloadCap]byte
}

// NotMainFlash reports whether this block is flagged as not targeting
// this device's main flash (bit 0).
func (b Block) NotMainFlash() bool { return b.Flags&FlagNotMainFlash != 0 }

// FamilyPresent reports whether FileSizeOrID should be read as a family
// ID rather than a file size (bit 13).
func (b Block) FamilyPresent() bool { return b.Flags&FlagFamilyIDPresent != 0 }

// Payload returns the live bytes of Data, i.e. Data[:PayloadSize]. The
// caller must have already validated PayloadSize.
func (b Block) Payload() []byte { return b.Data[:b.PayloadSize] }

// Decode parses one raw 512-byte block, checking only the three magic
// words, it performs no range or sequencing validation, which is the
// Decoder's job.
func Decode(raw []byte) (Block, error) {
	if len(raw) != BlockSize {
		return Block{}, ErrShortBlock
	}
	magic0 := binary.LittleEndian.Uint32(raw[0:4])
	magic1 := binary.LittleEndian.Uint32(raw[4:8])
	magicEnd := binary.LittleEndian.Uint32(raw[508:512])
	if magic0 != MagicStart0 || magic1 != MagicStart1 || magicEnd != MagicEnd {
		return Block{}, ErrBadMagic
	}

	var b Block
	b.Flags = binary.LittleEndian.Uint32(raw[8:12])
	b.TargetAddr = binary.LittleEndian.Uint32(raw[12:16])
	b.PayloadSize = binary.LittleEndian.Uint32(raw[16:20])
	b.BlockNo = binary.LittleEndian.Uint32(raw[20:24])
	b.NumBlocks = binary.LittleEndian.Uint32(raw[24:28])
	b.FileSizeOrID = binary.LittleEndian.Uint32(raw[28:32])
	copy(b.Data[:], raw[32:32+PayloadCap])
	return b, nil
}

// BuildBlock encodes a single UF2 block, matching the layout Decode
// parses. It is used by the tests here and in other packages to
// construct synthetic UF2 files.
func BuildBlock(blockNo, numBlocks, targetAddr uint32, payload []byte, familyID uint32) []byte {
	raw := make([]byte, BlockSize)
	binary.LittleEndian.PutUint32(raw[0:4], MagicStart0)
	binary.LittleEndian.PutUint32(raw[4:8], MagicStart1)
	binary.LittleEndian.PutUint32(raw[8:12], FlagFamilyIDPresent)
	binary.LittleEndian.PutUint32(raw[12:16], targetAddr)
	binary.LittleEndian.PutUint32(raw[16:20], uint32(len(payload)))
	binary.LittleEndian.PutUint32(raw[20:24], blockNo)
	binary.LittleEndian.PutUint32(raw[24:28], numBlocks)
	binary.LittleEndian.PutUint32(raw[28:32], familyID)
	copy(raw[32:32+len(payload)], payload)
	binary.LittleEndian.PutUint32(raw[508:512], MagicEnd)
	return raw
}
