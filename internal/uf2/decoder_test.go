package uf2

import (
	"testing"

	"github.com/crucible-systems/sdloader/internal/target"
)

const base = 0x10040000

func payload(fill byte) []byte {
	p := make([]byte, target.Page)
	for i := range p {
		p[i] = fill
	}
	return p
}

func TestDecoder_AcceptsWellFormedFile(t *testing.T) {
	tgt := target.NewPlatformA(0x10100000)
	flashEnd, _ := tgt.FlashEnd()
	d := NewDecoder(tgt, flashEnd)

	fills := []byte{0x40, 0x41, 0x42, 0x43}
	for i, fill := range fills {
		raw := BuildBlock(uint32(i), uint32(len(fills)), base+uint32(i)*target.Page, payload(fill), target.FamilyPlatformA)
		res := d.Next(raw)
		if res.Outcome != Accept {
			t.Fatalf("block %d: outcome = %v, reason = %q, want Accept", i, res.Outcome, res.Reason)
		}
		if res.TargetAddr != base+uint32(i)*target.Page {
			t.Errorf("block %d: TargetAddr = %#x", i, res.TargetAddr)
		}
	}
	if status := d.Finish(); status != EOFComplete {
		t.Fatalf("Finish() = %v, want EOFComplete", status)
	}
	if d.FirstAddr() != base {
		t.Errorf("FirstAddr() = %#x, want %#x", d.FirstAddr(), base)
	}
	if d.NumBlocks() != 4 {
		t.Errorf("NumBlocks() = %d, want 4", d.NumBlocks())
	}
}

func TestDecoder_BadMagicRejects(t *testing.T) {
	tgt := target.NewPlatformA(0x10100000)
	flashEnd, _ := tgt.FlashEnd()
	d := NewDecoder(tgt, flashEnd)

	raw := BuildBlock(0, 4, base, payload(0x40), target.FamilyPlatformA)
	d.Next(raw)

	raw2 := BuildBlock(1, 4, base+target.Page, payload(0x41), target.FamilyPlatformA)
	// Corrupt the end magic.
	raw2[508] = 0xEF
	raw2[509] = 0xBE
	raw2[510] = 0xAD
	raw2[511] = 0xDE

	res := d.Next(raw2)
	if res.Outcome != Reject {
		t.Fatalf("Outcome = %v, want Reject", res.Outcome)
	}
}

func TestDecoder_WrongFamilyIsWrongPlatform(t *testing.T) {
	tgt := target.NewPlatformA(0x10100000)
	flashEnd, _ := tgt.FlashEnd()
	d := NewDecoder(tgt, flashEnd)

	for i := 0; i < 4; i++ {
		raw := BuildBlock(uint32(i), 4, base+uint32(i)*target.Page, payload(0x40), 0x00000001)
		res := d.Next(raw)
		if res.Outcome != Skip {
			t.Fatalf("block %d: outcome = %v, want Skip", i, res.Outcome)
		}
	}
	if status := d.Finish(); status != EOFWrongPlatform {
		t.Fatalf("Finish() = %v, want EOFWrongPlatform", status)
	}
}

func TestDecoder_ErratumBlockIsAbsorbedAndShiftsNumbering(t *testing.T) {
	tgt := target.NewPlatformA(0x10100000)
	flashEnd, _ := tgt.FlashEnd()
	d := NewDecoder(tgt, flashEnd)

	erratum := BuildBlock(0, 3, erratumAddr, payload(0x00), target.FamilyAbsolute)
	res := d.Next(erratum)
	if res.Outcome != Skip {
		t.Fatalf("erratum block: outcome = %v, want Skip", res.Outcome)
	}

	for i, fill := range []byte{0x10, 0x11} {
		raw := BuildBlock(uint32(i+1), 3, base+uint32(i)*target.Page, payload(fill), target.FamilyPlatformA)
		res := d.Next(raw)
		if res.Outcome != Accept {
			t.Fatalf("real block %d: outcome = %v, reason = %q", i, res.Outcome, res.Reason)
		}
	}

	if status := d.Finish(); status != EOFComplete {
		t.Fatalf("Finish() = %v, want EOFComplete", status)
	}
	if d.NumBlocks() != 2 {
		t.Errorf("NumBlocks() = %d, want 2 (erratum adjustment)", d.NumBlocks())
	}
}

func TestDecoder_OutOfRangeSecondBlockRejects(t *testing.T) {
	tgt := target.NewPlatformA(0x10100000)
	flashEnd, _ := tgt.FlashEnd()
	d := NewDecoder(tgt, flashEnd)

	firstAddr := flashEnd - target.Page
	raw0 := BuildBlock(0, 2, firstAddr, payload(0x40), target.FamilyPlatformA)
	res0 := d.Next(raw0)
	if res0.Outcome != Accept {
		t.Fatalf("first block: outcome = %v, want Accept", res0.Outcome)
	}

	raw1 := BuildBlock(1, 2, flashEnd, payload(0x41), target.FamilyPlatformA)
	res1 := d.Next(raw1)
	if res1.Outcome != Reject {
		t.Fatalf("second block: outcome = %v, want Reject", res1.Outcome)
	}
}

func TestDecoder_TruncatedStreamIsBad(t *testing.T) {
	tgt := target.NewPlatformA(0x10100000)
	flashEnd, _ := tgt.FlashEnd()
	d := NewDecoder(tgt, flashEnd)

	for i := 0; i < 2; i++ {
		raw := BuildBlock(uint32(i), 4, base+uint32(i)*target.Page, payload(0x40), target.FamilyPlatformA)
		if res := d.Next(raw); res.Outcome != Accept {
			t.Fatalf("block %d not accepted: %v", i, res.Outcome)
		}
	}
	if status := d.Finish(); status != EOFTruncated {
		t.Fatalf("Finish() = %v, want EOFTruncated", status)
	}
}

func TestDecoder_NotMainFlashIsSkipped(t *testing.T) {
	tgt := target.NewPlatformA(0x10100000)
	flashEnd, _ := tgt.FlashEnd()
	d := NewDecoder(tgt, flashEnd)

	raw := BuildBlock(0, 1, base, payload(0x40), target.FamilyPlatformA)
	binIdx := 8
	raw[binIdx] |= FlagNotMainFlash
	res := d.Next(raw)
	if res.Outcome != Skip {
		t.Fatalf("Outcome = %v, want Skip", res.Outcome)
	}
}

func TestDecoder_PlatformBAcceptsAnyOfItsThreeFamilies(t *testing.T) {
	tgt := target.NewPlatformB(0x10100000)
	flashEnd, _ := tgt.FlashEnd()

	for _, fam := range []uint32{target.FamilyPlatformBArmS, target.FamilyPlatformBRISCV, target.FamilyPlatformBArmNS} {
		d := NewDecoder(tgt, flashEnd)
		raw := BuildBlock(0, 1, base, payload(0x40), fam)
		res := d.Next(raw)
		if res.Outcome != Accept {
			t.Errorf("family %#x: outcome = %v, want Accept", fam, res.Outcome)
		}
	}
}
