package authorization

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// secp256k1 half order; signatures with a higher S are malleable copies.
var secp256k1HalfN = new(big.Int).Rsh(crypto.S256().Params().N, 1)

// Recover extracts the signer address from a signature over digest.
// sig must be 65 bytes (R || S || V), with V in {0,1} or {27,28}.
func Recover(digest [32]byte, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, errors.New("invalid signature length")
	}

	// Normalize V: Ethereum uses 27/28, ecrecover expects 0/1
	sigCopy := make([]byte, 65)
	copy(sigCopy, sig)
	if sigCopy[64] >= 27 {
		sigCopy[64] -= 27
	}
	if sigCopy[64] > 1 {
		return common.Address{}, errors.New("invalid recovery id")
	}
	if new(big.Int).SetBytes(sigCopy[32:64]).Cmp(secp256k1HalfN) > 0 {
		return common.Address{}, errors.New("non-canonical signature")
	}

	pub, err := crypto.SigToPub(digest[:], sigCopy)
	if err != nil {
		return common.Address{}, fmt.Errorf("ecrecover: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
