// Package auth authenticates API callers by wallet signature.
//
// A caller signs "timestamp\nMETHOD\npath\nbody" with the personal-sign
// (EIP-191) scheme and sends the signature with its address and the
// timestamp in headers. The recovered address becomes the caller identity.
package auth

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const (
	HeaderAddress   = "X-Optn-Address"
	HeaderTimestamp = "X-Optn-Timestamp"
	HeaderSignature = "X-Optn-Signature"

	maxBodyBytes = 1 << 20
)

var (
	ErrMissingHeaders = errors.New("auth: missing signature headers")
	ErrBadTimestamp   = errors.New("auth: timestamp outside allowed window")
	ErrBadSignature   = errors.New("auth: invalid signature")
)

type callerKey struct{}

// WithCaller returns ctx carrying the authenticated caller.
func WithCaller(ctx context.Context, addr common.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, addr)
}

// CallerFrom returns the authenticated caller stored by the middleware.
func CallerFrom(ctx context.Context) (common.Address, bool) {
	addr, ok := ctx.Value(callerKey{}).(common.Address)
	return addr, ok
}

// Message is the byte string a caller signs.
func Message(ts int64, method, path string, body []byte) []byte {
	var b bytes.Buffer
	b.WriteString(strconv.FormatInt(ts, 10))
	b.WriteByte('\n')
	b.WriteString(strings.ToUpper(method))
	b.WriteByte('\n')
	b.WriteString(path)
	b.WriteByte('\n')
	b.Write(body)
	return b.Bytes()
}

// textHash is the EIP-191 personal-sign digest of msg.
func textHash(msg []byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(msg))
	return ethcrypto.Keccak256([]byte(prefix), msg)
}

// Sign produces the X-Optn-Signature value for a request.
func Sign(key *ecdsa.PrivateKey, ts int64, method, path string, body []byte) (string, error) {
	sig, err := ethcrypto.Sign(textHash(Message(ts, method, path, body)), key)
	if err != nil {
		return "", fmt.Errorf("auth: sign: %w", err)
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// SignRequest sets the three auth headers on req. body must be the exact
// request body.
func SignRequest(req *http.Request, key *ecdsa.PrivateKey, ts int64, body []byte) error {
	sig, err := Sign(key, ts, req.Method, req.URL.Path, body)
	if err != nil {
		return err
	}
	req.Header.Set(HeaderAddress, ethcrypto.PubkeyToAddress(key.PublicKey).Hex())
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderSignature, sig)
	return nil
}

// Recover returns the address that signed msg. v may be 0/1 or 27/28.
func Recover(msg []byte, sigHex string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(sigHex), "0x"))
	if err != nil || len(sig) != 65 {
		return common.Address{}, ErrBadSignature
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return common.Address{}, ErrBadSignature
	}
	pub, err := ethcrypto.SigToPub(textHash(msg), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// Verifier checks signed requests.
type Verifier struct {
	maxSkew time.Duration
	now     func() time.Time
	replay  ReplayGuard
}

// NewVerifier accepts timestamps within maxSkew of the current time. Each
// signed request is accepted once; repeats are tracked in process memory
// unless WithReplayGuard installs a shared guard.
func NewVerifier(maxSkew time.Duration) *Verifier {
	return &Verifier{maxSkew: maxSkew, now: time.Now, replay: NewMemoryReplayGuard()}
}

// WithReplayGuard replaces the store of already accepted requests.
func (v *Verifier) WithReplayGuard(g ReplayGuard) *Verifier {
	v.replay = g
	return v
}

// WithClock replaces the time source.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify authenticates r and returns the caller. The body is read and put
// back so handlers can decode it.
func (v *Verifier) Verify(r *http.Request) (common.Address, error) {
	addrHex := r.Header.Get(HeaderAddress)
	tsStr := r.Header.Get(HeaderTimestamp)
	sigHex := r.Header.Get(HeaderSignature)
	if addrHex == "" || tsStr == "" || sigHex == "" {
		return common.Address{}, ErrMissingHeaders
	}
	if !common.IsHexAddress(addrHex) {
		return common.Address{}, ErrBadSignature
	}

	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return common.Address{}, ErrBadTimestamp
	}
	skew := v.now().Sub(time.Unix(ts, 0))
	if skew > v.maxSkew || skew < -v.maxSkew {
		return common.Address{}, ErrBadTimestamp
	}

	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			return common.Address{}, fmt.Errorf("auth: read body: %w", err)
		}
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	msg := Message(ts, r.Method, r.URL.Path, body)
	signer, err := Recover(msg, sigHex)
	if err != nil {
		return common.Address{}, err
	}
	if signer != common.HexToAddress(addrHex) {
		return common.Address{}, ErrBadSignature
	}

	// A timestamp stays acceptable for up to 2*maxSkew after it is first
	// seen. The key is the signed digest, not the signature bytes, so a
	// malleated copy of the same signature is still a repeat.
	fresh, err := v.replay.Remember(r.Context(), replayKey(signer, msg), 2*v.maxSkew)
	if err != nil {
		return common.Address{}, fmt.Errorf("auth: replay check: %w", err)
	}
	if !fresh {
		return common.Address{}, fmt.Errorf("%w: request already used", ErrBadSignature)
	}
	return signer, nil
}

// Middleware rejects unsigned or badly signed requests with 401 and puts
// the caller into the request context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := v.Verify(r)
		if err != nil {
			writeUnauthorized(w, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

// writeUnauthorized sends a 401 response with a JSON error body.
func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + msg + `","code":"BadSignature"}`))
}
