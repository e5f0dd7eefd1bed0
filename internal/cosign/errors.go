package cosign

import (
	"errors"
	"fmt"
)

// ErrProtocol is returned on any misuse of a co-signing session: out-of-order calls,
// length mismatches, commitment mismatches and nonce reuse.
var ErrProtocol = errors.New("cosign protocol violation")

func protocolErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}
