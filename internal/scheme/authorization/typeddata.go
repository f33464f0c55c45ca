package authorization

import (
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	domainTypeHash = crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)",
	))
	transferTypeHash = crypto.Keccak256Hash([]byte(
		"TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)",
	))
)

// Domain is the EIP-712 domain of an EIP-3009 token contract.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// Message is a TransferWithAuthorization in its typed form.
type Message struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
}

// Separator computes the EIP-712 domain separator.
func (d Domain) Separator() [32]byte {
	nameHash := crypto.Keccak256Hash([]byte(d.Name))
	versionHash := crypto.Keccak256Hash([]byte(d.Version))

	// ABI-encode: (bytes32, bytes32, bytes32, uint256, address)
	encoded := make([]byte, 5*32)
	copy(encoded[0:32], domainTypeHash[:])
	copy(encoded[32:64], nameHash[:])
	copy(encoded[64:96], versionHash[:])
	d.ChainID.FillBytes(encoded[96:128])
	copy(encoded[140:160], d.VerifyingContract.Bytes()) // addr is right-aligned in 32-byte slot

	return crypto.Keccak256Hash(encoded)
}

// Digest is keccak256(0x1901 || domainSeparator || structHash).
func Digest(d Domain, m Message) [32]byte {
	encoded := make([]byte, 7*32)
	copy(encoded[0:32], transferTypeHash[:])
	copy(encoded[44:64], m.From.Bytes())
	copy(encoded[76:96], m.To.Bytes())
	m.Value.FillBytes(encoded[96:128])
	m.ValidAfter.FillBytes(encoded[128:160])
	m.ValidBefore.FillBytes(encoded[160:192])
	copy(encoded[192:224], m.Nonce[:])

	structHash := crypto.Keccak256Hash(encoded)
	sep := d.Separator()

	msg := make([]byte, 2+32+32)
	msg[0] = 0x19
	msg[1] = 0x01
	copy(msg[2:34], sep[:])
	copy(msg[34:66], structHash[:])
	return crypto.Keccak256Hash(msg)
}

// Sign produces a 65-byte signature with V in {27,28}, the form wallets and
// token contracts expect.
func Sign(d Domain, m Message, key *ecdsa.PrivateKey) ([]byte, error) {
	digest := Digest(d, m)
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}
