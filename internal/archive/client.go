// Package archive defines the boundary to the proprietary conversation
// archive SDK. The real transport is an opaque native library; this
// package only fixes the call surface the pipeline depends on and the
// error-code taxonomy the poller and downloader route on. Tests use the
// in-memory fakes from this package's consumers.
package archive

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// EncryptedRecord is one undecrypted archive entry as returned by a
// batch fetch. The session key is RSA-wrapped with the tenant's public
// key; the message body is AES-encrypted with that session key.
type EncryptedRecord struct {
	Seq              uint64 `json:"seq"`
	EncryptRandomKey string `json:"encrypt_random_key"`
	EncryptChatMsg   string `json:"encrypt_chat_msg"`
}

// Batch is the page of encrypted records starting at a cursor.
type Batch struct {
	Records []EncryptedRecord `json:"chatdata"`
}

// Chunk is one slice of a streamed attachment. NextToken is the opaque
// continuation handle to pass to the next FetchChunk call; Final marks
// the last slice.
type Chunk struct {
	Data      []byte
	NextToken string
	Final     bool
}

// Client is the per-tenant handle onto the archive service. One client
// is created per tenant session (the SDK couples credentials to the
// handle) and is not shared across tenants.
type Client interface {
	// FetchBatch pulls up to pageSize encrypted records starting at
	// cursor. Failures carry a *CodeError.
	FetchBatch(ctx context.Context, cursor uint64, pageSize int) (*Batch, error)
	// FetchChunk streams the next slice of an attachment. An empty token
	// starts the transfer.
	FetchChunk(ctx context.Context, token, fileRef string) (*Chunk, error)
	// Close releases the native handle.
	Close() error
}

// Dialer opens tenant clients; the production implementation wraps the
// native SDK init call, tests substitute fakes.
type Dialer func(tenantID, secret string) (Client, error)

// CodeError is a non-zero return from the archive SDK.
type CodeError struct {
	Code int
	Msg  string
}

// Error implements error.
func (e *CodeError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("archive: code %d", e.Code)
	}
	return fmt.Sprintf("archive: code %d: %s", e.Code, e.Msg)
}

// Fetch error codes with dedicated backoff handling.
const (
	CodeServiceExpired    = 301052
	CodeIPNotAllowed      = 301042
	CodeCredentialMissing = 41001
)

// networkCodes are the SDK returns that mean a transient network blip:
// the transfer is re-enqueued through the retry lane rather than failed.
var networkCodes = map[int]struct{}{
	10001: {}, 10002: {}, 10003: {}, 10009: {}, 10011: {},
}

// IsNetworkError reports whether err carries a transient-network SDK code.
func IsNetworkError(err error) bool {
	var ce *CodeError
	if errors.As(err, &ce) {
		_, net := networkCodes[ce.Code]
		return net
	}
	return false
}

// PollBackoff maps a batch-fetch failure onto the fixed wait the poll
// loop applies before retrying the same cursor.
func PollBackoff(err error) time.Duration {
	var ce *CodeError
	if !errors.As(err, &ce) {
		return 5 * time.Minute
	}
	switch ce.Code {
	case CodeServiceExpired, CodeIPNotAllowed:
		return 30 * time.Minute
	case CodeCredentialMissing:
		return 10 * time.Minute
	default:
		return 5 * time.Minute
	}
}
