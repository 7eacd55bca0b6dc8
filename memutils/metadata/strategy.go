package metadata

// AllocationStrategy selects how a free region is chosen for a new allocation. If none is
// chosen, a balanced strategy will be used.
type AllocationStrategy uint32

const (
	// AllocationStrategyMinMemory chooses the smallest-possible free range for the allocation
	// to minimize memory usage and fragmentation, possibly at the expense of allocation time
	AllocationStrategyMinMemory AllocationStrategy = 1 << iota
	// AllocationStrategyMinTime chooses the first suitable free range that is cheapest to find,
	// possibly at the expense of allocation quality
	AllocationStrategyMinTime
	// AllocationStrategyMinOffset chooses the lowest offset in available space, producing
	// tightly packed blocks
	AllocationStrategyMinOffset
)

var strategyNames = map[AllocationStrategy]string{
	AllocationStrategyMinMemory: "MinMemory",
	AllocationStrategyMinTime:   "MinTime",
	AllocationStrategyMinOffset: "MinOffset",
}

func (s AllocationStrategy) String() string {
	if s == 0 {
		return "Balanced"
	}
	name, ok := strategyNames[s]
	if !ok {
		return "Mixed"
	}
	return name
}
