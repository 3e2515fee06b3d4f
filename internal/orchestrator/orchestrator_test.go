package orchestrator

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/crucible-systems/sdloader/internal/flashdrv"
	"github.com/crucible-systems/sdloader/internal/proginfo"
	"github.com/crucible-systems/sdloader/internal/target"
	"github.com/crucible-systems/sdloader/internal/uf2"
)

const flashEnd = 0x10100000

func newFixture() (target.Target, *flashdrv.FakeDriver) {
	tgt := target.NewPlatformA(flashEnd)
	drv := flashdrv.NewFakeDriver(0x200000, flashEnd) // part runs well past flash_end
	return tgt, drv
}

func fill(b byte) []byte {
	p := make([]byte, target.Page)
	for i := range p {
		p[i] = b
	}
	return p
}

func buildFile(blocks ...[]byte) io.Reader {
	var buf bytes.Buffer
	for _, b := range blocks {
		buf.Write(b)
	}
	return &buf
}

func progInfoMagicWord(t *testing.T, drv *flashdrv.FakeDriver, layout target.ProgInfoLayout) uint32 {
	t.Helper()
	data, err := drv.ReadAt(proginfo.Address(layout), 4)
	if err != nil {
		t.Fatalf("ReadAt magic: %v", err)
	}
	return binary.LittleEndian.Uint32(data)
}

// Scenario 1: a well-formed 4-block file loads cleanly.
func TestLoad_Scenario1_WellFormedFileLoads(t *testing.T) {
	tgt, drv := newFixture()
	o := New(tgt, drv, nil)

	base := uint32(0x10040000)
	fills := []byte{0x40, 0x41, 0x42, 0x43}
	var blocks [][]byte
	for i, f := range fills {
		blocks = append(blocks, uf2.BuildBlock(uint32(i), uint32(len(fills)), base+uint32(i)*target.Page, fill(f), target.FamilyPlatformA))
	}

	res, err := o.Load(buildFile(blocks...), "app.uf2")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res != Loaded {
		t.Fatalf("Load = %v, want Loaded", res)
	}

	got, err := drv.ReadAt(base, uint32(len(fills))*target.Page)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	var want []byte
	for _, f := range fills {
		want = append(want, fill(f)...)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("flash contents do not equal the concatenated payloads")
	}

	layout := tgt.ProgInfo()
	info, err := proginfo.Get(drv, layout)
	if err != nil {
		t.Fatalf("proginfo.Get: %v", err)
	}
	if info.FlashEnd != flashEnd {
		t.Errorf("proginfo FlashEnd = %#x, want %#x", info.FlashEnd, flashEnd)
	}
}

// Scenario 2: a corrupted end magic on the third block makes the whole
// load Bad, and the proginfo slot reads as "no app".
func TestLoad_Scenario2_BadMagicIsBad(t *testing.T) {
	tgt, drv := newFixture()
	o := New(tgt, drv, nil)

	base := uint32(0x10040000)
	fills := []byte{0x40, 0x41, 0x42, 0x43}
	var blocks [][]byte
	for i, f := range fills {
		blocks = append(blocks, uf2.BuildBlock(uint32(i), uint32(len(fills)), base+uint32(i)*target.Page, fill(f), target.FamilyPlatformA))
	}
	blocks[2][508] = 0xEF // corrupt b[2].magic_end
	blocks[2][509] = 0xBE
	blocks[2][510] = 0xAD
	blocks[2][511] = 0xDE

	res, err := o.Load(buildFile(blocks...), "app.uf2")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res != Bad {
		t.Fatalf("Load = %v, want Bad", res)
	}

	layout := tgt.ProgInfo()
	if magic := progInfoMagicWord(t, drv, layout); magic == proginfo.Magic {
		t.Error("proginfo magic reads as live after a Bad load")
	}
}

// Scenario 3: every block belongs to an unrecognized family. Nothing is
// erased or programmed.
func TestLoad_Scenario3_WrongFamilyIsWrongPlatform(t *testing.T) {
	tgt, drv := newFixture()
	o := New(tgt, drv, nil)

	before := append([]byte(nil), drv.Flash...)

	base := uint32(0x10040000)
	fills := []byte{0x40, 0x41, 0x42, 0x43}
	var blocks [][]byte
	for i, f := range fills {
		blocks = append(blocks, uf2.BuildBlock(uint32(i), uint32(len(fills)), base+uint32(i)*target.Page, fill(f), 0x00000001))
	}

	res, err := o.Load(buildFile(blocks...), "app.uf2")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res != WrongPlatform {
		t.Fatalf("Load = %v, want WrongPlatform", res)
	}
	if !bytes.Equal(before, drv.Flash) {
		t.Fatal("flash was modified despite WrongPlatform result")
	}
}

// Scenario 4: an erratum workaround block precedes the real file; the
// adjusted numbering lands both real blocks correctly and the load
// succeeds.
func TestLoad_Scenario4_ErratumBlockIsAbsorbed(t *testing.T) {
	tgt, drv := newFixture()
	o := New(tgt, drv, nil)

	base := uint32(0x10040000)
	erratum := uf2.BuildBlock(0, 3, 0x10FFFF00, fill(0x00), target.FamilyAbsolute)
	b1 := uf2.BuildBlock(1, 3, base, fill(0x10), target.FamilyPlatformA)
	b2 := uf2.BuildBlock(2, 3, base+target.Page, fill(0x11), target.FamilyPlatformA)

	res, err := o.Load(buildFile(erratum, b1, b2), "app.uf2")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res != Loaded {
		t.Fatalf("Load = %v, want Loaded", res)
	}

	got, err := drv.ReadAt(base, 2*target.Page)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	want := append(fill(0x10), fill(0x11)...)
	if !bytes.Equal(got, want) {
		t.Fatal("flash does not equal the two real payloads")
	}
}

// Scenario 5: the second block would land exactly at flash_end; it is
// rejected, the first block's program already happened, and no further
// program occurs.
func TestLoad_Scenario5_OutOfRangeSecondBlockIsBad(t *testing.T) {
	tgt, drv := newFixture()
	o := New(tgt, drv, nil)

	firstAddr := uint32(flashEnd - target.Page)
	b0 := uf2.BuildBlock(0, 2, firstAddr, fill(0x40), target.FamilyPlatformA)
	b1 := uf2.BuildBlock(1, 2, flashEnd, fill(0x41), target.FamilyPlatformA)

	res, err := o.Load(buildFile(b0, b1), "app.uf2")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res != Bad {
		t.Fatalf("Load = %v, want Bad", res)
	}

	got, err := drv.ReadAt(firstAddr, target.Page)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, fill(0x40)) {
		t.Fatal("first block should have been programmed before the second was rejected")
	}

	layout := tgt.ProgInfo()
	if magic := progInfoMagicWord(t, drv, layout); magic == proginfo.Magic {
		t.Error("proginfo magic reads as live after a Bad load")
	}
}

// Scenario 6: the stream is cut short (simulated power loss) after the
// second block; the result is Bad and proginfo never commits.
func TestLoad_Scenario6_TruncatedStreamIsBad(t *testing.T) {
	tgt, drv := newFixture()
	o := New(tgt, drv, nil)

	base := uint32(0x10040000)
	fills := []byte{0x40, 0x41, 0x42, 0x43}
	var blocks [][]byte
	for i, f := range fills {
		blocks = append(blocks, uf2.BuildBlock(uint32(i), uint32(len(fills)), base+uint32(i)*target.Page, fill(f), target.FamilyPlatformA))
	}
	// Only the first two blocks ever arrive.
	truncated := buildFile(blocks[0], blocks[1])

	res, err := o.Load(truncated, "app.uf2")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res != Bad {
		t.Fatalf("Load = %v, want Bad", res)
	}

	layout := tgt.ProgInfo()
	if magic := progInfoMagicWord(t, drv, layout); magic == proginfo.Magic {
		t.Error("proginfo magic reads as live after a truncated load")
	}
}

// Stub preservation: when the erase plan includes sector 0 and the UF2
// does not supply a block at address 0, the pre-existing boot stub must
// survive untouched.
func TestLoad_PreservesBootStubWhenUF2DoesNotSupplyIt(t *testing.T) {
	tgt, drv := newFixture()

	stub := make([]byte, target.StubSize)
	for i := range stub {
		stub[i] = byte(0xA0 + i%16)
	}
	if err := drv.Program(target.XIPBase, stub); err != nil {
		t.Fatalf("seed stub: %v", err)
	}

	o := New(tgt, drv, nil)
	// App starts at sector 0 + one page past the stub, small enough that
	// the orchestrator's erase plan starts at sector 0.
	base := uint32(target.XIPBase + target.StubSize)
	b := uf2.BuildBlock(0, 1, base, fill(0x77), target.FamilyPlatformA)

	res, err := o.Load(buildFile(b), "app.uf2")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res != Loaded {
		t.Fatalf("Load = %v, want Loaded", res)
	}

	got, err := drv.ReadAt(target.XIPBase, target.StubSize)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, stub) {
		t.Fatal("boot stub was not preserved across the erase")
	}
}

// Invalid loader: Load refuses to run at all without a resolved flash_end.
func TestLoad_InvalidLoaderWithoutFlashEnd(t *testing.T) {
	tgt := target.NewPlatformA(0) // flash_end never resolved
	drv := flashdrv.NewFakeDriver(0x200000, 0x10100000)
	o := New(tgt, drv, nil)

	_, err := o.Load(buildFile(), "app.uf2")
	if err != ErrInvalidLoader {
		t.Fatalf("err = %v, want ErrInvalidLoader", err)
	}
}

// Block-sequence law (§8 property 5): every accepted block's target
// address advances by exactly one page from the previous one.
func TestLoad_BlockSequenceLaw(t *testing.T) {
	tgt, drv := newFixture()
	o := New(tgt, drv, nil)

	base := uint32(0x10060000)
	const n = 6
	var blocks [][]byte
	for i := 0; i < n; i++ {
		blocks = append(blocks, uf2.BuildBlock(uint32(i), n, base+uint32(i)*target.Page, fill(byte(i)), target.FamilyPlatformA))
	}

	res, err := o.Load(buildFile(blocks...), "app.uf2")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res != Loaded {
		t.Fatalf("Load = %v, want Loaded", res)
	}

	for i := 0; i < n; i++ {
		got, err := drv.ReadAt(base+uint32(i)*target.Page, target.Page)
		if err != nil {
			t.Fatalf("ReadAt block %d: %v", i, err)
		}
		if !bytes.Equal(got, fill(byte(i))) {
			t.Fatalf("block %d content mismatch", i)
		}
	}
}

// status_set progress callback fires at least once on a load big enough
// to cross a 100-block boundary.
func TestLoad_EmitsStatusProgress(t *testing.T) {
	tgt, drv := newFixture()

	var messages []string
	o := New(tgt, drv, func(msg string) { messages = append(messages, msg) })

	base := uint32(0x10040000)
	const n = 101
	var blocks [][]byte
	for i := 0; i < n; i++ {
		blocks = append(blocks, uf2.BuildBlock(uint32(i), n, base+uint32(i)*target.Page, fill(byte(i)), target.FamilyPlatformA))
	}

	res, err := o.Load(buildFile(blocks...), "app.uf2")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res != Loaded {
		t.Fatalf("Load = %v, want Loaded", res)
	}
	if len(messages) == 0 {
		t.Fatal("no status messages were emitted during a 101-block load")
	}
}
