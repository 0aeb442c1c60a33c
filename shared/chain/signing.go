package chain

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// RegisterDomain is the EIP-712 domain scoping registration signatures.
type RegisterDomain struct {
	Name    string
	Version string
	ChainID int64
	Salt    string // 0x-prefixed 32-byte hex
}

// RegisterMessage is the typed message a worker signs to prove wallet
// control. Nonce is 0x-prefixed 32-byte hex; Expires is unix seconds.
type RegisterMessage struct {
	WorkerID string
	Nonce    string
	Expires  int64
}

func registerTypedData(domain RegisterDomain, msg RegisterMessage) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "salt", Type: "bytes32"},
			},
			"Register": []apitypes.Type{
				{Name: "workerId", Type: "string"},
				{Name: "nonce", Type: "bytes32"},
				{Name: "expires", Type: "uint256"},
			},
		},
		PrimaryType: "Register",
		Domain: apitypes.TypedDataDomain{
			Name:    domain.Name,
			Version: domain.Version,
			ChainId: math.NewHexOrDecimal256(domain.ChainID),
			Salt:    domain.Salt,
		},
		Message: apitypes.TypedDataMessage{
			"workerId": msg.WorkerID,
			"nonce":    msg.Nonce,
			"expires":  math.NewHexOrDecimal256(msg.Expires),
		},
	}
}

// HashRegister returns the EIP-712 digest for the registration message.
func HashRegister(domain RegisterDomain, msg RegisterMessage) ([]byte, error) {
	hash, _, err := apitypes.TypedDataAndHash(registerTypedData(domain, msg))
	if err != nil {
		return nil, fmt.Errorf("hash typed data: %w", err)
	}
	return hash, nil
}

// SignRegister signs the registration message with the given key and
// returns a 65-byte signature with V in {27, 28}, hex encoded.
func SignRegister(key *ecdsa.PrivateKey, domain RegisterDomain, msg RegisterMessage) (string, error) {
	hash, err := HashRegister(domain, msg)
	if err != nil {
		return "", err
	}
	sig, err := crypto.Sign(hash, key)
	if err != nil {
		return "", fmt.Errorf("sign typed data: %w", err)
	}
	sig[64] += 27
	return hexutil.Encode(sig), nil
}

// RecoverRegisterSigner recovers the address that signed the registration
// message. The caller compares it against the claimed wallet.
func RecoverRegisterSigner(domain RegisterDomain, msg RegisterMessage, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	if sig[64] >= 27 {
		sig = append([]byte(nil), sig...)
		sig[64] -= 27
	}
	hash, err := HashRegister(domain, msg)
	if err != nil {
		return common.Address{}, err
	}
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// IsValidAddress reports whether s is a well-formed 20-byte account address.
func IsValidAddress(s string) bool {
	return common.IsHexAddress(s)
}

// NormalizeAddress returns the lower-case canonical form of an address.
func NormalizeAddress(s string) string {
	return strings.ToLower(common.HexToAddress(s).Hex())
}

// MinStakeUnits converts a whole-token amount into base units using the
// token's decimals, e.g. (10, 18) -> 10 * 10^18.
func MinStakeUnits(amount int64, decimals int) *big.Int {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return new(big.Int).Mul(big.NewInt(amount), scale)
}
