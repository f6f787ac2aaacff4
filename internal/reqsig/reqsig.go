// Package reqsig signs and verifies HTTP requests with an Ethereum-style
// secp256k1 key. The recovered address is the caller identity.
package reqsig

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	HeaderIdentity  = "X-Teegate-Identity"
	HeaderSignature = "X-Teegate-Signature"
	HeaderTimestamp = "X-Teegate-Timestamp"
	HeaderNonce     = "X-Teegate-Nonce"
)

var (
	ErrMissingHeaders = errors.New("missing request signature headers")
	ErrBadSignature   = errors.New("invalid request signature")
	ErrStale          = errors.New("request timestamp outside allowed skew")
	ErrReplayed       = errors.New("request nonce already used")
	ErrNonceCacheFull = errors.New("too many outstanding request nonces")
)

// NormalizeIdentity returns the EIP-55 checksummed form of a hex address.
func NormalizeIdentity(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return "", fmt.Errorf("%q is not a hex address", s)
	}
	return common.HexToAddress(s).Hex(), nil
}

// Message is the text that gets signed for one request.
func Message(method, path string, timestamp int64, nonce string, body []byte) []byte {
	sum := sha256.Sum256(body)
	return []byte(strings.Join([]string{
		strings.ToUpper(method),
		path,
		strconv.FormatInt(timestamp, 10),
		nonce,
		hex.EncodeToString(sum[:]),
	}, "\n"))
}

// Signer attaches signature headers with one key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	now     func() time.Time
}

func NewSigner(key *ecdsa.PrivateKey) *Signer {
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey), now: time.Now}
}

// Identity is the checksummed address requests are signed as.
func (s *Signer) Identity() string { return s.address.Hex() }

// Sign sets the signature headers on req for the given body.
func (s *Signer) Sign(req *http.Request, body []byte) error {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	ts := s.now().Unix()
	nonceHex := hex.EncodeToString(nonce)

	sig, err := crypto.Sign(accounts.TextHash(Message(req.Method, req.URL.Path, ts, nonceHex, body)), s.key)
	if err != nil {
		return fmt.Errorf("sign request: %w", err)
	}
	// Wallet convention: v is 27/28.
	sig[crypto.RecoveryIDOffset] += 27

	req.Header.Set(HeaderIdentity, s.address.Hex())
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderNonce, nonceHex)
	req.Header.Set(HeaderSignature, hexutil.Encode(sig))
	return nil
}

// Recover returns the checksummed address that produced sig over msg.
func Recover(msg, sig []byte) (string, error) {
	if len(sig) != crypto.SignatureLength {
		return "", fmt.Errorf("%w: signature is %d bytes", ErrBadSignature, len(sig))
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(msg), normalized)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}
