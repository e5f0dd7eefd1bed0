package rollup

import "context"

// ReceiptWatcher waits for transaction receipts over a subscription transport.
type ReceiptWatcher interface {
	// AwaitReceipt blocks until the transaction is final at the commit level.
	AwaitReceipt(ctx context.Context, txHash string) (*Receipt, error)

	// Close closes the underlying connection.
	Close() error
}
