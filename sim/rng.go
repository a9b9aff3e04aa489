package sim

import (
	"fmt"
	"hash/fnv"
	"math/rand"
)

// SimulationKey is the seed a run's random streams derive from. Two runs with
// the same key, model, geometry and initial state fire the same processes at
// the same times.
type SimulationKey int64

// NewSimulationKey creates a SimulationKey from a seed value.
func NewSimulationKey(seed int64) SimulationKey {
	return SimulationKey(seed)
}

// GroupStreams hands out one random stream per scheduling group.
//
// Group 0 is seeded with the key itself, so a run without independent groups
// depends only on the seed. Group g > 0 is seeded with key XOR fnv1a64("group_g"),
// which keeps its stream unchanged when other groups draw more or less.
//
// Not safe for concurrent use. The solver requests every stream while it is
// constructed; each stream is then owned by one group.
type GroupStreams struct {
	key     SimulationKey
	streams map[int]*rand.Rand
}

// NewGroupStreams creates the stream source for key.
func NewGroupStreams(key SimulationKey) *GroupStreams {
	return &GroupStreams{key: key, streams: make(map[int]*rand.Rand)}
}

// ForGroup returns the stream of scheduling group id. Repeated calls return
// the same *rand.Rand.
func (p *GroupStreams) ForGroup(id int) *rand.Rand {
	if rng, ok := p.streams[id]; ok {
		return rng
	}
	rng := rand.New(rand.NewSource(p.groupSeed(id)))
	p.streams[id] = rng
	return rng
}

func (p *GroupStreams) groupSeed(id int) int64 {
	if id == 0 {
		return int64(p.key)
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "group_%d", id)
	return int64(p.key) ^ int64(h.Sum64())
}

// Key returns the SimulationKey the streams derive from.
func (p *GroupStreams) Key() SimulationKey {
	return p.key
}
