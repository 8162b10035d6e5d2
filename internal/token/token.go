// Package token issues and verifies signed download tokens. Token records are
// persisted independently of the volatile job registry so a token survives a
// process restart as long as the artifact file does.
package token

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"ripperd/internal/rip"
)

// ErrRecordNotFound is returned by stores for unknown tokens.
var ErrRecordNotFound = errors.New("token record not found")

// Record is the durable state behind one download token.
type Record struct {
	Token        string
	JobID        string
	IssuedAt     time.Time
	ExpiresAt    time.Time
	ArtifactPath string
	ArtifactSize int64
}

// Store persists token records. Implementations are locked independently of
// the job registry.
type Store interface {
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, token string) (Record, error)
	DeleteByJob(ctx context.Context, jobID string) error
	Close() error
}

// Issuer signs tokens with an HMAC over (job_id, expires_at) using a
// process-wide secret.
type Issuer struct {
	store  Store
	secret []byte
	clock  rip.Clock
}

// NewIssuer constructs an Issuer. The secret must be non-empty.
func NewIssuer(store Store, secret []byte, clock rip.Clock) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("token secret is required")
	}
	if store == nil {
		return nil, errors.New("token store is required")
	}
	return &Issuer{store: store, secret: secret, clock: clock}, nil
}

// Issue mints a token for the job's artifact, persists its record, and
// returns the opaque token string embedding job ID, expiry, and signature.
func (i *Issuer) Issue(ctx context.Context, jobID string, ttl time.Duration, artifact rip.Artifact) (string, error) {
	now := i.clock.Now()
	expires := now.Add(ttl)
	tok := encode(jobID, expires, i.sign(jobID, expires))
	rec := Record{
		Token:        tok,
		JobID:        jobID,
		IssuedAt:     now,
		ExpiresAt:    expires,
		ArtifactPath: artifact.Path,
		ArtifactSize: artifact.Size,
	}
	if err := i.store.Put(ctx, rec); err != nil {
		return "", fmt.Errorf("persist token record: %w", err)
	}
	return tok, nil
}

// Verify checks the token signature and expiry, loads the persisted record,
// and confirms the artifact file still exists on disk. It does not consult
// the job registry, so tokens remain verifiable across a restart.
func (i *Issuer) Verify(ctx context.Context, tok string) (Record, error) {
	jobID, expires, sig, err := decode(tok)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", rip.ErrTokenInvalid, err)
	}
	if !hmac.Equal(sig, i.sign(jobID, expires)) {
		return Record{}, fmt.Errorf("%w: signature mismatch", rip.ErrTokenInvalid)
	}
	if !i.clock.Now().Before(expires) {
		return Record{}, rip.ErrTokenExpired
	}
	rec, err := i.store.Get(ctx, tok)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return Record{}, fmt.Errorf("%w: token revoked", rip.ErrTokenInvalid)
		}
		return Record{}, fmt.Errorf("load token record: %w", err)
	}
	if _, err := os.Stat(rec.ArtifactPath); err != nil {
		// A missing artifact is indistinguishable from an expired link.
		return Record{}, fmt.Errorf("artifact %s: %w", rec.ArtifactPath, rip.ErrNotFound)
	}
	return rec, nil
}

// Revoke removes every token record for the job. Revoking an unknown job is
// not an error; the sweeper may run twice.
func (i *Issuer) Revoke(ctx context.Context, jobID string) error {
	if err := i.store.DeleteByJob(ctx, jobID); err != nil {
		return fmt.Errorf("revoke tokens for job %s: %w", jobID, err)
	}
	return nil
}

func (i *Issuer) sign(jobID string, expires time.Time) []byte {
	mac := hmac.New(sha256.New, i.secret)
	mac.Write([]byte(jobID))
	mac.Write([]byte{0})
	mac.Write([]byte(strconv.FormatInt(expires.Unix(), 10)))
	return mac.Sum(nil)
}

func encode(jobID string, expires time.Time, sig []byte) string {
	return jobID + "." + strconv.FormatInt(expires.Unix(), 10) + "." + hex.EncodeToString(sig)
}

func decode(tok string) (jobID string, expires time.Time, sig []byte, err error) {
	parts := strings.Split(tok, ".")
	if len(parts) != 3 || parts[0] == "" {
		return "", time.Time{}, nil, errors.New("malformed token")
	}
	unix, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", time.Time{}, nil, errors.New("malformed expiry")
	}
	sig, err = hex.DecodeString(parts[2])
	if err != nil {
		return "", time.Time{}, nil, errors.New("malformed signature")
	}
	return parts[0], time.Unix(unix, 0).UTC(), sig, nil
}
