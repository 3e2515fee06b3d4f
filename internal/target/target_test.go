package target

import "testing"

func TestPlatformA_ProgInfoLayout(t *testing.T) {
	tgt := NewPlatformA(0x10100000)
	layout := tgt.ProgInfo()
	if layout.Offset != 0x110 || layout.Size != 28 || !layout.HasFilename {
		t.Errorf("platform A layout = %+v, want Offset=0x110 Size=28 HasFilename=true", layout)
	}
	if !tgt.PreserveStub() {
		t.Error("platform A must preserve its boot stub")
	}
	if !tgt.CommitsProgInfo() {
		t.Error("platform A commits its own proginfo record")
	}
}

func TestPlatformB_ProgInfoLayout(t *testing.T) {
	tgt := NewPlatformB(0x10100000)
	layout := tgt.ProgInfo()
	if layout.Offset != 0x20 || layout.Size != 12 || layout.HasFilename {
		t.Errorf("platform B layout = %+v, want Offset=0x20 Size=12 HasFilename=false", layout)
	}
	if tgt.PreserveStub() {
		t.Error("platform B has no boot stub to preserve")
	}
	if tgt.CommitsProgInfo() {
		t.Error("platform B commit is implicit via the partition table")
	}
}

func TestFlashEnd_UnresolvedIsError(t *testing.T) {
	tgt := NewPlatformA(0)
	if _, err := tgt.FlashEnd(); err != ErrNoFlashEnd {
		t.Fatalf("err = %v, want ErrNoFlashEnd", err)
	}
}

func TestFlashEnd_Resolved(t *testing.T) {
	tgt := NewPlatformB(0x10200000)
	end, err := tgt.FlashEnd()
	if err != nil {
		t.Fatalf("FlashEnd: %v", err)
	}
	if end != 0x10200000 {
		t.Errorf("FlashEnd = %#x, want %#x", end, 0x10200000)
	}
}

func TestAcceptsFamily_PlatformA(t *testing.T) {
	tgt := NewPlatformA(0x10100000)
	if !tgt.AcceptsFamily(FamilyPlatformA) {
		t.Error("platform A should accept its own family id")
	}
	if tgt.AcceptsFamily(FamilyPlatformBArmS) {
		t.Error("platform A must not accept a platform-B family id")
	}
	if tgt.AcceptsFamily(FamilyAbsolute) {
		t.Error("platform A must not treat the erratum family id as a normal match")
	}
}

func TestAcceptsFamily_PlatformB(t *testing.T) {
	tgt := NewPlatformB(0x10100000)
	for _, fam := range []uint32{FamilyPlatformBArmS, FamilyPlatformBRISCV, FamilyPlatformBArmNS} {
		if !tgt.AcceptsFamily(fam) {
			t.Errorf("platform B should accept family %#x", fam)
		}
	}
	if tgt.AcceptsFamily(FamilyPlatformA) {
		t.Error("platform B must not accept platform A's family id")
	}
}
