package proginfo

import (
	"testing"

	"github.com/crucible-systems/sdloader/internal/flashdrv"
	"github.com/crucible-systems/sdloader/internal/target"
)

func layoutA() target.ProgInfoLayout {
	return target.NewPlatformA(0x10100000).ProgInfo()
}

func layoutB() target.ProgInfoLayout {
	return target.NewPlatformB(0x10100000).ProgInfo()
}

// fakeDriverForPage builds a FakeDriver whose backing buffer spans
// [target.XIPBase, pageAddr+target.Page) and whose page is pre-filled
// with 0xFF except for the slice `page`, which is copied in at pageAddr.
func fakeDriverForPage(pageAddr uint32, page []byte, flashEnd uint32) *flashdrv.FakeDriver {
	size := pageAddr - target.XIPBase + target.Page
	flash := make([]byte, size)
	for i := range flash {
		flash[i] = 0xFF
	}
	copy(flash[pageAddr-target.XIPBase:], page)
	return &flashdrv.FakeDriver{Flash: flash, FlashEnd: flashEnd, PartEnd: target.XIPBase + size}
}

func TestClearAndSetInBuf_PlatformA(t *testing.T) {
	layout := layoutA()
	pageAddr := Page(layout)

	buf := make([]byte, target.Page)
	for i := range buf {
		buf[i] = 0x42 // arbitrary UF2 payload bytes, as if from the file
	}

	ClearInBuf(layout, buf, pageAddr)

	slotOff := Address(layout) - pageAddr
	for i := 0; i < layout.Size; i++ {
		if buf[slotOff+uint32(i)] != 0xFF {
			t.Fatalf("byte %d of slot not cleared after ClearInBuf: %#x", i, buf[slotOff+uint32(i)])
		}
	}
	// bytes outside the slot must be left alone
	if slotOff > 0 && buf[0] != 0x42 {
		t.Fatalf("ClearInBuf touched a byte outside the slot")
	}

	if !SetInBuf(layout, buf, pageAddr, 0x10100000, "myapp") {
		t.Fatal("SetInBuf returned false when buffer covers the slot")
	}

	fd := fakeDriverForPage(pageAddr, buf, 0x10200000)

	info, err := Get(fd, layout)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if info.FlashEnd != 0x10100000 {
		t.Errorf("FlashEnd = %#x, want %#x", info.FlashEnd, 0x10100000)
	}
	if info.Filename != "myapp" {
		t.Errorf("Filename = %q, want %q", info.Filename, "myapp")
	}
}

func TestSetInBuf_NoOpWhenBufDoesNotCoverSlot(t *testing.T) {
	layout := layoutA()
	buf := make([]byte, 16) // smaller than the slot, placed before it
	bufBase := Address(layout) - 32

	if SetInBuf(layout, buf, bufBase, 0x1234, "x") {
		t.Fatal("SetInBuf returned true for a buffer that does not cover the slot")
	}
}

func TestClearInBuf_NoOverlapIsNoOp(t *testing.T) {
	layout := layoutA()
	buf := []byte{1, 2, 3, 4}
	before := append([]byte(nil), buf...)
	ClearInBuf(layout, buf, Address(layout)+10000)
	for i := range buf {
		if buf[i] != before[i] {
			t.Fatalf("ClearInBuf modified a non-overlapping buffer at %d", i)
		}
	}
}

func TestValid_PlatformB_NoFilename(t *testing.T) {
	layout := layoutB()
	pageAddr := Page(layout)
	buf := make([]byte, target.Page)
	for i := range buf {
		buf[i] = 0xFF
	}
	ClearInBuf(layout, buf, pageAddr)
	if !SetInBuf(layout, buf, pageAddr, 0x101F0000, "ignored-on-b") {
		t.Fatal("SetInBuf returned false")
	}

	fd := fakeDriverForPage(pageAddr, buf, 0x10200000)

	valid, err := Valid(fd, layout)
	if err != nil {
		t.Fatalf("Valid: %v", err)
	}
	if !valid {
		t.Fatal("Valid = false after SetInBuf wrote a live record")
	}

	info, err := Get(fd, layout)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if info.Filename != "" {
		t.Errorf("platform B record carries a filename: %q", info.Filename)
	}
	if info.FlashEnd != 0x101F0000 {
		t.Errorf("FlashEnd = %#x, want %#x", info.FlashEnd, 0x101F0000)
	}
}

func TestGet_NoRecordWhenMagicMismatched(t *testing.T) {
	layout := layoutA()
	pageAddr := Page(layout)
	buf := make([]byte, target.Page)
	for i := range buf {
		buf[i] = 0xFF
	}
	fd := fakeDriverForPage(pageAddr, buf, 0x10200000)

	if _, err := Get(fd, layout); err != ErrNoRecord {
		t.Fatalf("Get error = %v, want ErrNoRecord", err)
	}
}
