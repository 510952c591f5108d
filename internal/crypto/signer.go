package crypto

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/flashexec/internal/domain"
)

// Signer holds the executing identity's key. It signs bundle transactions
// and the relay request envelope.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	txSigner   types.Signer
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key.
func NewSigner(privateKeyHex string, chainID int64) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return NewSignerFromKey(pk, chainID), nil
}

// NewSignerFromKey wraps an already parsed key.
func NewSignerFromKey(pk *ecdsa.PrivateKey, chainID int64) *Signer {
	id := big.NewInt(chainID)
	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		chainID:    id,
		txSigner:   types.LatestSignerForChainID(id),
	}
}

// Address returns the identity's address.
func (s *Signer) Address() common.Address {
	return s.address
}

// ChainID returns the chain the signer signs for.
func (s *Signer) ChainID() *big.Int {
	return new(big.Int).Set(s.chainID)
}

// SignTx signs tx for the configured chain.
func (s *Signer) SignTx(tx *types.Transaction) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, s.txSigner, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: %w: %w", domain.ErrSigningFailed, err)
	}
	return signed, nil
}

// RelaySignature returns the "<address>:<signature>" header value bundle
// relays use to authenticate the searcher: an EIP-191 personal signature
// over the hex keccak256 of the request body.
func (s *Signer) RelaySignature(body []byte) (string, error) {
	bodyHash := ethcrypto.Keccak256Hash(body).Hex()
	sig, err := ethcrypto.Sign(accounts.TextHash([]byte(bodyHash)), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: %w: %w", domain.ErrSigningFailed, err)
	}
	return s.address.Hex() + ":" + hexutil.Encode(sig), nil
}

// VerifyRelaySignature checks a header produced by RelaySignature.
func VerifyRelaySignature(header string, body []byte) (common.Address, error) {
	addrHex, sigHex, ok := strings.Cut(header, ":")
	if !ok || !common.IsHexAddress(addrHex) {
		return common.Address{}, fmt.Errorf("crypto/signer: malformed relay signature %q", header)
	}
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: decode relay signature: %w", err)
	}
	digest := accounts.TextHash([]byte(ethcrypto.Keccak256Hash(body).Hex()))
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: recover relay signer: %w", err)
	}
	got := ethcrypto.PubkeyToAddress(*pub)
	if got != common.HexToAddress(addrHex) {
		return common.Address{}, fmt.Errorf("crypto/signer: relay signature from %s, header claims %s", got.Hex(), addrHex)
	}
	return got, nil
}
