package reqsig

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

const (
	DefaultSkew = 5 * time.Minute
	// DefaultMaxNonces bounds the replay cache.
	DefaultMaxNonces = 100_000
)

// Verifier checks signed requests and remembers nonces for the skew window.
// Expired nonces are swept at most once per skew interval, or early when the
// cache is full.
type Verifier struct {
	skew      time.Duration
	now       func() time.Time
	maxNonces int

	mu        sync.Mutex
	nonces    map[string]time.Time
	lastSweep time.Time
}

func NewVerifier(skew time.Duration) *Verifier {
	if skew <= 0 {
		skew = DefaultSkew
	}
	return &Verifier{
		skew:      skew,
		now:       time.Now,
		maxNonces: DefaultMaxNonces,
		nonces:    make(map[string]time.Time),
	}
}

// Verify authenticates req over body and returns the caller identity.
func (v *Verifier) Verify(req *http.Request, body []byte) (string, error) {
	claimed := req.Header.Get(HeaderIdentity)
	sigHex := req.Header.Get(HeaderSignature)
	tsRaw := req.Header.Get(HeaderTimestamp)
	nonce := req.Header.Get(HeaderNonce)
	if claimed == "" || sigHex == "" || tsRaw == "" || nonce == "" {
		return "", ErrMissingHeaders
	}

	identity, err := NormalizeIdentity(claimed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: bad timestamp", ErrBadSignature)
	}
	now := v.now()
	at := time.Unix(ts, 0)
	if at.Before(now.Add(-v.skew)) || at.After(now.Add(v.skew)) {
		return "", ErrStale
	}

	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	recovered, err := Recover(Message(req.Method, req.URL.Path, ts, nonce, body), sig)
	if err != nil {
		return "", err
	}
	if recovered != identity {
		return "", fmt.Errorf("%w: signed by %s, claimed %s", ErrBadSignature, recovered, identity)
	}

	if err := v.consumeNonce(identity, nonce, now); err != nil {
		return "", err
	}
	return identity, nil
}

func (v *Verifier) consumeNonce(identity, nonce string, now time.Time) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if now.Sub(v.lastSweep) >= v.skew {
		v.sweepLocked(now)
	}

	key := strings.ToLower(identity) + "/" + nonce
	if _, seen := v.nonces[key]; seen {
		return ErrReplayed
	}
	if len(v.nonces) >= v.maxNonces {
		v.sweepLocked(now)
		if len(v.nonces) >= v.maxNonces {
			return ErrNonceCacheFull
		}
	}
	v.nonces[key] = now.Add(2 * v.skew)
	return nil
}

func (v *Verifier) sweepLocked(now time.Time) {
	for k, exp := range v.nonces {
		if now.After(exp) {
			delete(v.nonces, k)
		}
	}
	v.lastSweep = now
}
