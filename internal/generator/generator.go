// Package generator computes deterministic baseline section contents from
// a section id. It never touches the store: a baseline section is
// recomputed on demand and only persisted once a client edits it.
package generator

import "github.com/odinvoxel/worldserver/internal/coord"

// Block ids for the version-1 flat generator. These are small stable
// constants rather than a registry, since the baseline world has exactly
// three block types.
const (
	BlockAir   uint16 = 0
	BlockStone uint16 = 1
	BlockGrass uint16 = 2
)

// Func computes the 4096 block ids of a section from its id. It must be a
// pure function of the id: same id, same output, no I/O.
type Func func(id coord.ID) [coord.BlocksPerSection]uint16

// registry maps generator_version to its Func. Only version 1 is
// populated; see DESIGN.md for why the biome variant named in the
// spec's open question is not implemented.
var registry = map[int]Func{
	1: FlatV1,
}

// Lookup returns the generator function for a given generator_version,
// or false if no generator is registered for that version.
func Lookup(version int) (Func, bool) {
	f, ok := registry[version]
	return f, ok
}

// FlatV1 is generator_version 1: a constant-per-world-y flat world.
// Stone for world-y 0..3, grass at world-y == 4, air above. The section's
// sy (vertical index) determines which world-y values fall inside it;
// a section above sy==0 is entirely air.
func FlatV1(id coord.ID) [coord.BlocksPerSection]uint16 {
	var blocks [coord.BlocksPerSection]uint16
	baseY := id.SY * coord.SectionSize
	for ly := 0; ly < coord.SectionSize; ly++ {
		worldY := baseY + ly
		block := blockForWorldY(worldY)
		if block == BlockAir {
			continue // array already zero-valued (air)
		}
		for lz := 0; lz < coord.SectionSize; lz++ {
			for lx := 0; lx < coord.SectionSize; lx++ {
				blocks[coord.LocalIndex(lx, ly, lz)] = block
			}
		}
	}
	return blocks
}

func blockForWorldY(worldY int) uint16 {
	switch {
	case worldY >= 0 && worldY <= 3:
		return BlockStone
	case worldY == 4:
		return BlockGrass
	default:
		return BlockAir
	}
}

// SpawnPosition returns the spawn point consistent with the version-1
// flat generator: standing on top of the grass layer.
func SpawnPosition() (x, y, z float64) {
	return 0, 5, 0
}
