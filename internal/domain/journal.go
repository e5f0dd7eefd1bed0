package domain

// SwapRecord is the journal entry written when a session is created.
// Corresponds to swap_sessions table in PostgreSQL.
type SwapRecord struct {
	SwapID         string // base58 swap id
	MakerPubKey    string // hex
	ClientPubKey   string // hex
	ClientAddress  string
	JointAddress   string
	SellToken      string
	SellAmount     string // decimal minor units
	BuyToken       string
	BuyAmount      string // decimal minor units
	TimeoutSeconds int64
	WithdrawMode   string
	CreatedAt      int64 // Unix ms
}

// StateTransition is one append-only state change of a session.
// Corresponds to swap_transitions table in PostgreSQL.
type StateTransition struct {
	SwapID    string
	Seq       int
	FromState State
	ToState   State
	Reason    string
	Timestamp int64 // Unix ms
}

// SignedTxRecord is one transaction of a signed five-transaction bundle.
// Corresponds to signed_transactions table in PostgreSQL.
type SignedTxRecord struct {
	SwapID     string
	TxIndex    int
	Role       string
	Nonce      uint32
	ValidFrom  uint64
	ValidUntil uint64
	TxHash     string
	Payload    []byte // wire JSON including signature
	CreatedAt  int64  // Unix ms
}

// SwapOutcome is the analytics row written when a session reaches a terminal state.
// Corresponds to swap_outcomes table in ClickHouse.
type SwapOutcome struct {
	SwapID       string
	FinalState   State
	SellToken    string
	SellAmount   string
	BuyToken     string
	BuyAmount    string
	JointAddress string
	DurationMs   int64
	Reason       string
	Timestamp    int64 // Unix ms
}
