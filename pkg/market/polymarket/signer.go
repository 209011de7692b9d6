package polymarket

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

// Polygon mainnet, where the CTF exchange lives.
const (
	ChainIDPolygon  = 137
	ExchangeAddress = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
)

// Signer holds the trading wallet and produces the EIP-712 order signatures
// and HMAC request headers the CLOB requires.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address

	apiKey     string
	apiSecret  string
	passphrase string
}

// NewSigner creates a signer from a hex private key and L2 API credentials.
func NewSigner(hexKey, apiKey, apiSecret, passphrase string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("polymarket: parse private key: %w", err)
	}
	return &Signer{
		key:        key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		passphrase: passphrase,
	}, nil
}

// Address returns the checksummed wallet address.
func (s *Signer) Address() string {
	return s.address.Hex()
}

// signedOrder is the CTF exchange order struct, all fields in signing order.
type signedOrder struct {
	Salt        *big.Int
	TokenID     *big.Int
	MakerAmount *big.Int
	TakerAmount *big.Int
	Expiration  *big.Int
	Nonce       *big.Int
	FeeRateBps  *big.Int
	Side        uint8 // 0 buy, 1 sell
}

// SignOrder hashes the order per EIP-712 against the CTF exchange domain and
// signs it with the wallet key.
func (s *Signer) SignOrder(o *signedOrder) (string, error) {
	domainSep := ctfDomainSeparator()

	typeHash := crypto.Keccak256Hash([]byte(
		"Order(uint256 salt,address maker,address signer,address taker," +
			"uint256 tokenId,uint256 makerAmount,uint256 takerAmount," +
			"uint256 expiration,uint256 nonce,uint256 feeRateBps," +
			"uint8 side,uint8 signatureType)"))

	structHash := crypto.Keccak256Hash(
		typeHash.Bytes(),
		math.U256Bytes(o.Salt),
		common.LeftPadBytes(s.address.Bytes(), 32), // maker
		common.LeftPadBytes(s.address.Bytes(), 32), // signer
		make([]byte, 32),                           // taker: open order
		math.U256Bytes(o.TokenID),
		math.U256Bytes(o.MakerAmount),
		math.U256Bytes(o.TakerAmount),
		math.U256Bytes(o.Expiration),
		math.U256Bytes(o.Nonce),
		math.U256Bytes(o.FeeRateBps),
		common.LeftPadBytes([]byte{o.Side}, 32),
		make([]byte, 32), // signatureType: EOA
	)

	digest := crypto.Keccak256Hash(
		[]byte{0x19, 0x01},
		domainSep.Bytes(),
		structHash.Bytes(),
	)

	sig, err := crypto.Sign(digest.Bytes(), s.key)
	if err != nil {
		return "", fmt.Errorf("polymarket: sign order: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return fmt.Sprintf("0x%x", sig), nil
}

// ctfDomainSeparator hashes the exchange's EIP-712 domain.
func ctfDomainSeparator() common.Hash {
	typeHash := crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
	return crypto.Keccak256Hash(
		typeHash.Bytes(),
		crypto.Keccak256Hash([]byte("CTFExchange")).Bytes(),
		crypto.Keccak256Hash([]byte("1")).Bytes(),
		common.LeftPadBytes(big.NewInt(ChainIDPolygon).Bytes(), 32),
		common.LeftPadBytes(common.HexToAddress(ExchangeAddress).Bytes(), 32),
	)
}

// AuthHeaders signs one HTTP request with the L2 HMAC credentials.
func (s *Signer) AuthHeaders(timestamp, method, path string, body []byte) (map[string]string, error) {
	message := timestamp + method + path
	if len(body) > 0 {
		message += string(body)
	}

	secret, err := base64.URLEncoding.DecodeString(s.apiSecret)
	if err != nil {
		secret, err = base64.StdEncoding.DecodeString(s.apiSecret)
		if err != nil {
			return nil, fmt.Errorf("polymarket: decode api secret: %w", err)
		}
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(message))
	signature := base64.URLEncoding.EncodeToString(mac.Sum(nil))

	return map[string]string{
		"POLY_ADDRESS":    s.Address(),
		"POLY_SIGNATURE":  signature,
		"POLY_TIMESTAMP":  timestamp,
		"POLY_API_KEY":    s.apiKey,
		"POLY_PASSPHRASE": s.passphrase,
	}, nil
}

// newSalt draws a random 128-bit order salt.
func newSalt() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, limit)
}
