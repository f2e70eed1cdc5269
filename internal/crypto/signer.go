package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"),
	)

	settlementRootTypeHash = ethcrypto.Keccak256(
		[]byte("SettlementRoot(bytes32 predictionId,bytes32 root,uint256 creatorFeeTotal,uint256 platformFeeTotal)"),
	)
)

const (
	domainName    = "StakepoolSettlement"
	domainVersion = "1"
)

// RootAttestation is the typed payload the operator signs when a claim tree
// is published. Field order matches the postRoot call.
type RootAttestation struct {
	PredictionKey    [32]byte
	Root             [32]byte
	CreatorFeeCents  int64
	PlatformFeeCents int64
}

// Signer produces EIP-712 attestations over published settlement roots. The
// key never signs transactions; the relayer that submits postRoot can check
// the attestation against the operator address.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	domainSep  []byte
}

// NewSigner creates a Signer from a hex secp256k1 key, bound to the given
// chain and settlement contract.
func NewSigner(privateKeyHex string, chainID int64, contract string) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	if contract != "" && !common.IsHexAddress(contract) {
		return nil, fmt.Errorf("crypto/signer: invalid contract address %q", contract)
	}
	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		domainSep:  domainSeparator(chainID, common.HexToAddress(contract)),
	}, nil
}

// Address returns the operator address.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignRoot returns the 65-byte hex signature (v in {27,28}) of a.
func (s *Signer) SignRoot(a RootAttestation) (string, error) {
	sig, err := ethcrypto.Sign(eip712Hash(s.domainSep, rootStructHash(a)), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// RecoverRootSigner returns the address that produced sigHex over a under
// the given chain and contract.
func RecoverRootSigner(a RootAttestation, sigHex string, chainID int64, contract string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: decode signature: %w", err)
	}
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("crypto/signer: signature is %d bytes, want 65", len(sig))
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	digest := eip712Hash(domainSeparator(chainID, common.HexToAddress(contract)), rootStructHash(a))
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: recover: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

func domainSeparator(chainID int64, contract common.Address) []byte {
	return ethcrypto.Keccak256(
		eip712DomainTypeHash,
		ethcrypto.Keccak256([]byte(domainName)),
		ethcrypto.Keccak256([]byte(domainVersion)),
		common.LeftPadBytes(big.NewInt(chainID).Bytes(), 32),
		common.LeftPadBytes(contract.Bytes(), 32),
	)
}

func rootStructHash(a RootAttestation) []byte {
	return ethcrypto.Keccak256(
		settlementRootTypeHash,
		a.PredictionKey[:],
		a.Root[:],
		common.LeftPadBytes(big.NewInt(a.CreatorFeeCents).Bytes(), 32),
		common.LeftPadBytes(big.NewInt(a.PlatformFeeCents).Bytes(), 32),
	)
}

// eip712Hash is keccak256("\x19\x01" || domainSeparator || structHash).
func eip712Hash(domainSep, structHash []byte) []byte {
	return ethcrypto.Keccak256([]byte{0x19, 0x01}, domainSep, structHash)
}
