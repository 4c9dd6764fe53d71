package inst

// Template describes one uop produced by Crack.
type Template struct {
	// Class is the functional unit the uop runs on.
	Class FUClass
	// MemIndex selects the memory address (index into the record's
	// address list) for memory uops, -1 otherwise.
	MemIndex int
	// Fused marks a uop body that shares the ROB entry of the uop
	// before it.
	Fused bool
}

// Crack turns a macro-instruction into its uop flow using a fixed table:
//
//	load          -> LD
//	store         -> STA + STD (STD fused onto STA)
//	load-op-store -> LD + op + STA + STD
//	branch        -> [LD] + BR (indirect-through-memory loads first)
//	call          -> STA + STD + BR (pushes the return address)
//	return        -> LD + BR
//	other         -> ALU, repeated when extra is positive
//
// extra requests additional compute uops (multi-uop arithmetic); class
// selects the compute unit for them.
func Crack(flags Flags, numAddrs int, extra int, class FUClass) []Template {
	if class == FUNop || class.IsMemory() || class == FUBranch {
		class = FUIntALU
	}

	var flow []Template
	addr := 0
	nextAddr := func() int {
		if addr < numAddrs {
			addr++
			return addr - 1
		}
		if numAddrs > 0 {
			return numAddrs - 1
		}
		return -1
	}

	switch {
	case flags.Has(FlagCall):
		idx := nextAddr()
		flow = append(flow,
			Template{Class: FUStoreAddr, MemIndex: idx},
			Template{Class: FUStoreData, MemIndex: idx, Fused: true},
			Template{Class: FUBranch, MemIndex: -1},
		)
		return flow
	case flags.Has(FlagReturn):
		flow = append(flow,
			Template{Class: FULoad, MemIndex: nextAddr()},
			Template{Class: FUBranch, MemIndex: -1},
		)
		return flow
	}

	if flags.Has(FlagLoad) {
		flow = append(flow, Template{Class: FULoad, MemIndex: nextAddr()})
	}

	compute := extra
	if flags.IsBranch() {
		compute = 0
	} else if !flags.Has(FlagLoad) && !flags.Has(FlagStore) && compute == 0 {
		compute = 1
	} else if flags.Has(FlagLoad) && flags.Has(FlagStore) && compute == 0 {
		compute = 1
	}
	for i := 0; i < compute; i++ {
		flow = append(flow, Template{Class: class, MemIndex: -1})
	}

	if flags.Has(FlagStore) {
		idx := nextAddr()
		flow = append(flow,
			Template{Class: FUStoreAddr, MemIndex: idx},
			Template{Class: FUStoreData, MemIndex: idx, Fused: true},
		)
	}

	if flags.IsBranch() {
		flow = append(flow, Template{Class: FUBranch, MemIndex: -1})
	}

	return flow
}
