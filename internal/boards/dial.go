package boards

// Dial selects between a TCPClient and a DummyClient at runtime, per
// spec.md §4.1 ("selection is a runtime policy, not a compile-time
// switch"). seed only matters for dummy mode, where it makes per-board
// synthetic spectra reproducible across a run.
func Dial(board string, arrayLength int, dummy bool, seed int64) Client {
	if dummy {
		return NewDummyClient(board, arrayLength, seed)
	}
	return NewTCPClient(board)
}
