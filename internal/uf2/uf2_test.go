package uf2

import "testing"

func TestBuildBlockThenDecodeRoundTrips(t *testing.T) {
	payload := make([]byte, 256)
	for i := range payload {
		payload[i] = byte(i)
	}
	raw := BuildBlock(3, 10, 0x10041200, payload, 0xE48BFF56)

	blk, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if blk.BlockNo != 3 || blk.NumBlocks != 10 {
		t.Errorf("BlockNo/NumBlocks = %d/%d, want 3/10", blk.BlockNo, blk.NumBlocks)
	}
	if blk.TargetAddr != 0x10041200 {
		t.Errorf("TargetAddr = %#x", blk.TargetAddr)
	}
	if blk.PayloadSize != uint32(len(payload)) {
		t.Errorf("PayloadSize = %d, want %d", blk.PayloadSize, len(payload))
	}
	if !blk.FamilyPresent() {
		t.Error("FamilyPresent() = false, want true")
	}
	if blk.FileSizeOrID != 0xE48BFF56 {
		t.Errorf("FileSizeOrID = %#x", blk.FileSizeOrID)
	}
	if string(blk.Payload()) != string(payload) {
		t.Error("Payload() did not round-trip")
	}
}

func TestDecode_RejectsShortBlock(t *testing.T) {
	if _, err := Decode(make([]byte, 100)); err != ErrShortBlock {
		t.Fatalf("err = %v, want ErrShortBlock", err)
	}
}

func TestDecode_RejectsBadMagic(t *testing.T) {
	raw := BuildBlock(0, 1, 0x10040000, make([]byte, 4), 1)
	raw[0] ^= 0xFF
	if _, err := Decode(raw); err != ErrBadMagic {
		t.Fatalf("err = %v, want ErrBadMagic", err)
	}
}

func TestBlock_NotMainFlashFlag(t *testing.T) {
	raw := BuildBlock(0, 1, 0x10040000, make([]byte, 4), 1)
	raw[8] |= FlagNotMainFlash
	blk, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !blk.NotMainFlash() {
		t.Error("NotMainFlash() = false after setting the flag")
	}
}
