package bct_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"tegraupdate/internal/bct"
	"tegraupdate/internal/device"
	"tegraupdate/internal/soc"
)

func makeDevice(t *testing.T, size int64) *device.Handle {
	t.Helper()
	path := filepath.Join(t.TempDir(), "boot0")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate(size); err != nil {
		t.Fatal(err)
	}
	f.Close()
	h, err := device.Open(path, true)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestWriteT186T194ThreeOffsets(t *testing.T) {
	medium := soc.Medium{Kind: soc.EMMC}
	dev := makeDevice(t, 2*int64(medium.BlockSize()))
	payloadLength := 512
	zero := make([]byte, medium.BlockSize())
	newBCT := bytes.Repeat([]byte{0xAB}, payloadLength)

	updated, err := bct.WriteT186T194(dev, zero, 0, payloadLength, medium, nil, newBCT)
	if err != nil {
		t.Fatalf("WriteT186T194: %v", err)
	}
	if !updated {
		t.Fatalf("expected an update to occur when initializing")
	}

	slotSize := 512 // page-aligned for eMMC
	checkAt := func(off int64) {
		buf := make([]byte, payloadLength)
		if err := dev.ReadAt(buf, payloadLength, off); err != nil {
			t.Fatalf("ReadAt(%d): %v", off, err)
		}
		if !bytes.Equal(buf, newBCT) {
			t.Errorf("offset %d not written", off)
		}
	}
	checkAt(int64(slotSize))
	checkAt(int64(medium.BlockSize()))
	checkAt(0)
}

func TestWriteT186T194SkipsUnchanged(t *testing.T) {
	medium := soc.Medium{Kind: soc.EMMC}
	dev := makeDevice(t, 2*int64(medium.BlockSize()))
	payloadLength := 512
	zero := make([]byte, medium.BlockSize())
	newBCT := bytes.Repeat([]byte{0xCD}, payloadLength)

	current := make([]byte, medium.BlockSize()*2)
	copy(current[512:512+payloadLength], newBCT)
	copy(current[medium.BlockSize():medium.BlockSize()+payloadLength], newBCT)
	copy(current[0:payloadLength], newBCT)

	updated, err := bct.WriteT186T194(dev, zero, 0, payloadLength, medium, current, newBCT)
	if err != nil {
		t.Fatalf("WriteT186T194: %v", err)
	}
	if updated {
		t.Errorf("expected no update when all three offsets already match")
	}
}

func TestT210StateMachineOrder(t *testing.T) {
	medium := soc.Medium{Kind: soc.EMMC}
	blockSize := int64(medium.BlockSize())
	copiesUsed := 4
	dev := makeDevice(t, blockSize*int64(copiesUsed))
	payloadLength := medium.PageSize()
	zero := make([]byte, blockSize)
	newBCT := bytes.Repeat([]byte{0xEF}, payloadLength)

	state := bct.NewT210State()

	// Phase 1: WriteLast -> copy 3 only.
	updated, err := state.Write(dev, zero, 0, blockSize*int64(copiesUsed), payloadLength, medium, nil, newBCT)
	if err != nil || !updated {
		t.Fatalf("phase1: updated=%v err=%v", updated, err)
	}
	assertCopy(t, dev, blockSize, 3, payloadLength, newBCT, true)
	assertCopy(t, dev, blockSize, 0, payloadLength, newBCT, false)

	// Phase 2: WriteMiddle -> copies 2 down to 1.
	updated, err = state.Write(dev, zero, 0, blockSize*int64(copiesUsed), payloadLength, medium, nil, newBCT)
	if err != nil || !updated {
		t.Fatalf("phase2: updated=%v err=%v", updated, err)
	}
	assertCopy(t, dev, blockSize, 1, payloadLength, newBCT, true)
	assertCopy(t, dev, blockSize, 2, payloadLength, newBCT, true)
	assertCopy(t, dev, blockSize, 0, payloadLength, newBCT, false)

	// Phase 3: WriteFirst -> copy 0.
	updated, err = state.Write(dev, zero, 0, blockSize*int64(copiesUsed), payloadLength, medium, nil, newBCT)
	if err != nil || !updated {
		t.Fatalf("phase3: updated=%v err=%v", updated, err)
	}
	assertCopy(t, dev, blockSize, 0, payloadLength, newBCT, true)
}

func assertCopy(t *testing.T, dev *device.Handle, blockSize int64, idx int, payloadLength int, want []byte, expectWritten bool) {
	t.Helper()
	buf := make([]byte, payloadLength)
	if err := dev.ReadAt(buf, payloadLength, int64(idx)*blockSize); err != nil {
		t.Fatalf("ReadAt copy %d: %v", idx, err)
	}
	matches := bytes.Equal(buf, want)
	if matches != expectWritten {
		t.Errorf("copy %d: written=%v, want %v", idx, matches, expectWritten)
	}
}

func TestValidateUpdateRejectsAllZero(t *testing.T) {
	medium := soc.Medium{Kind: soc.EMMC}
	zero := make([]byte, 512)
	if bct.ValidateUpdate(nil, zero, soc.T186, medium) {
		t.Errorf("expected all-zero BCT to be rejected")
	}
}

func TestValidateUpdateAllowsInitialize(t *testing.T) {
	medium := soc.Medium{Kind: soc.EMMC}
	newBCT := bytes.Repeat([]byte{1}, 512)
	if !bct.ValidateUpdate(nil, newBCT, soc.T186, medium) {
		t.Errorf("expected initialize (no current BCT) to validate")
	}
}
