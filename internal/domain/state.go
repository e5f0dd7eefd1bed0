package domain

// State is a swap session state.
type State string

// Session states, in protocol order.
const (
	StateIdle            State = "IDLE"
	StateSetup           State = "SETUP"
	StateCommit          State = "COMMIT"
	StateBuildAndSign    State = "BUILD_AND_SIGN"
	StateAwaitPeerShares State = "AWAIT_PEER_SHARES"
	StateDepositCheck    State = "DEPOSIT_CHECK"
	StateReadyToSettle   State = "READY_TO_SETTLE"
	StateSettled         State = "SETTLED"
	StateAborted         State = "ABORTED"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSettled || s == StateAborted
}
