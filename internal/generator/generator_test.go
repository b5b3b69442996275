package generator

import (
	"testing"

	"github.com/odinvoxel/worldserver/internal/coord"
)

func TestFlatV1Deterministic(t *testing.T) {
	id := coord.ID{CX: 3, CZ: 4, SY: 0}
	a := FlatV1(id)
	b := FlatV1(id)
	if a != b {
		t.Fatal("FlatV1 is not deterministic for the same id")
	}
}

func TestFlatV1GroundLayer(t *testing.T) {
	blocks := FlatV1(coord.ID{CX: 0, CZ: 0, SY: 0})
	for worldY := 0; worldY <= 3; worldY++ {
		idx := coord.LocalIndex(0, worldY, 0)
		if blocks[idx] != BlockStone {
			t.Errorf("world-y %d: got block %d, want stone", worldY, blocks[idx])
		}
	}
	grassIdx := coord.LocalIndex(0, 4, 0)
	if blocks[grassIdx] != BlockGrass {
		t.Errorf("world-y 4: got block %d, want grass", blocks[grassIdx])
	}
	for worldY := 5; worldY < coord.SectionSize; worldY++ {
		idx := coord.LocalIndex(0, worldY, 0)
		if blocks[idx] != BlockAir {
			t.Errorf("world-y %d: got block %d, want air", worldY, blocks[idx])
		}
	}
}

func TestFlatV1AboveGroundIsAllAir(t *testing.T) {
	blocks := FlatV1(coord.ID{CX: 0, CZ: 0, SY: 1})
	for _, b := range blocks {
		if b != BlockAir {
			t.Fatalf("section at sy=1 expected all air, found block %d", b)
		}
	}
}

func TestLookupUnknownVersion(t *testing.T) {
	if _, ok := Lookup(999); ok {
		t.Fatal("expected Lookup to fail for an unregistered generator version")
	}
	if _, ok := Lookup(1); !ok {
		t.Fatal("expected generator_version 1 to be registered")
	}
}
