// Package auth verifies control-surface requests via an admin bearer token
// or an HMAC-SHA256 request signature with a bounded replay window.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kursadbilgin/digest-dispatch/internal/domain"
)

// ReplayWindow bounds how far a signed request's timestamp may drift from
// server time in either direction. There is no nonce cache: a captured
// request stays replayable until the window lapses.
const ReplayWindow = 300 * time.Second

// Method names the scheme that authenticated a request.
type Method string

const (
	MethodBearer Method = "bearer"
	MethodHMAC   Method = "hmac"
	MethodNone   Method = "none"
)

// Request carries the authentication material extracted from an inbound
// HTTP request. Target is the path including raw query.
type Request struct {
	Method    string
	Target    string
	Body      []byte
	Token     string
	Timestamp string
	Signature string
}

// Verdict is the outcome of verification. Failure is ordinary control
// flow: Err explains the rejection but is never propagated as a panic
// or transport error by this package.
type Verdict struct {
	Authenticated bool
	Method        Method
	Err           error
}

// Authenticator checks two independently sufficient schemes.
type Authenticator struct {
	adminToken string
	hmacSecret []byte
	skew       time.Duration
	now        func() time.Time
}

func New(adminToken, hmacSecret string) *Authenticator {
	return &Authenticator{
		adminToken: strings.TrimSpace(adminToken),
		hmacSecret: []byte(strings.TrimSpace(hmacSecret)),
		skew:       ReplayWindow,
		now:        time.Now,
	}
}

// Verify checks the bearer token first, then the HMAC signature. A request
// carrying neither credential is rejected outright.
func (a *Authenticator) Verify(req Request) Verdict {
	if a == nil {
		return Verdict{Method: MethodNone, Err: fmt.Errorf("%w: authenticator is not initialized", domain.ErrUnauthorized)}
	}

	if token := strings.TrimSpace(req.Token); token != "" {
		return a.verifyBearer(token)
	}
	if req.Signature != "" || req.Timestamp != "" {
		return a.verifyHMAC(req)
	}

	return Verdict{Method: MethodNone, Err: fmt.Errorf("%w: no credentials supplied", domain.ErrUnauthorized)}
}

func (a *Authenticator) verifyBearer(token string) Verdict {
	if a.adminToken == "" {
		return Verdict{Method: MethodBearer, Err: fmt.Errorf("%w: admin token is not configured", domain.ErrUnauthorized)}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(a.adminToken)) != 1 {
		return Verdict{Method: MethodBearer, Err: fmt.Errorf("%w: invalid admin token", domain.ErrUnauthorized)}
	}
	return Verdict{Authenticated: true, Method: MethodBearer}
}

func (a *Authenticator) verifyHMAC(req Request) Verdict {
	if len(a.hmacSecret) == 0 {
		return Verdict{Method: MethodHMAC, Err: fmt.Errorf("%w: hmac secret is not configured", domain.ErrUnauthorized)}
	}

	ts, err := strconv.ParseInt(strings.TrimSpace(req.Timestamp), 10, 64)
	if err != nil {
		return Verdict{Method: MethodHMAC, Err: fmt.Errorf("%w: invalid signature timestamp", domain.ErrUnauthorized)}
	}

	drift := a.now().Unix() - ts
	if drift < 0 {
		drift = -drift
	}
	if time.Duration(drift)*time.Second > a.skew {
		return Verdict{Method: MethodHMAC, Err: fmt.Errorf("%w: signature timestamp outside replay window", domain.ErrUnauthorized)}
	}

	expected := ComputeSignature(a.hmacSecret, req.Method, req.Target, req.Timestamp, req.Body)
	supplied, err := hex.DecodeString(strings.TrimSpace(req.Signature))
	if err != nil {
		return Verdict{Method: MethodHMAC, Err: fmt.Errorf("%w: signature is not valid hex", domain.ErrUnauthorized)}
	}
	if !hmac.Equal(supplied, expected) {
		return Verdict{Method: MethodHMAC, Err: fmt.Errorf("%w: signature mismatch", domain.ErrUnauthorized)}
	}

	return Verdict{Authenticated: true, Method: MethodHMAC}
}

// ComputeSignature returns the raw HMAC-SHA256 over the canonical string
// "METHOD\ntarget\ntimestamp\nbody". Clients hex-encode it into the
// signature header.
func ComputeSignature(secret []byte, method, target, timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strings.ToUpper(strings.TrimSpace(method))))
	mac.Write([]byte("\n"))
	mac.Write([]byte(target))
	mac.Write([]byte("\n"))
	mac.Write([]byte(strings.TrimSpace(timestamp)))
	mac.Write([]byte("\n"))
	mac.Write(body)
	return mac.Sum(nil)
}
