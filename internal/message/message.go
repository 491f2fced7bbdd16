// Package message defines the in-memory and on-disk representation of a
// single queued email: its envelope, its scheduling state, and the codec
// used to persist that state to the spool.
//
// The on-disk metadata format replaces chasquid's protocol-buffer encoded
// Message with a small versioned header followed by a CBOR document. CBOR
// was chosen because it needs no code generation step and is
// self-describing. Entries of the Extra maps (stored under the "extra"
// key) round-trip unchanged; other keys this binary does not know, such
// as fields written by a newer binary, are dropped by Unmarshal and so
// are not written back by a later Marshal.
package message

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// metaMagic identifies a metadata blob; metaVersion is bumped whenever the
// document shape changes incompatibly enough to need a migration path.
const (
	metaMagic   = "PSM1"
	metaVersion = 1
)

// Recipient is a single destination for a message, tracked independently
// because different recipients of the same message can be at different
// points in their retry schedule (e.g. after a partial failure).
type Recipient struct {
	Address     string           `cbor:"address"`
	Status      RecipientStatus  `cbor:"status"`
	NumAttempts int              `cbor:"num_attempts"`
	LastAttempt *time.Time       `cbor:"last_attempt,omitempty"`
	LastError   string           `cbor:"last_error,omitempty"`

	// Extra round-trips unchanged under the "extra" key. Other keys of a
	// recipient entry that this binary does not know are dropped on decode.
	Extra map[string]cbor.RawMessage `cbor:"extra,omitempty"`
}

// RecipientStatus is the delivery state of a single recipient.
type RecipientStatus int

const (
	RecipientPending RecipientStatus = iota
	RecipientSent
	RecipientFailed
)

// Message is the full persisted state of one queued mail.
type Message struct {
	// SpoolId uniquely identifies this message within the spool it lives
	// in. It is a canonical-form UUIDv4 string.
	SpoolId string `cbor:"spool_id"`

	From string      `cbor:"from"`
	Rcpt []Recipient `cbor:"rcpt"`

	// Data holds the raw message bytes. It is kept out of the metadata
	// blob Marshal produces: spool backends store it separately from
	// meta, so callers read it back via spool.Backend.Get and attach it
	// themselves after Unmarshal.
	Data []byte `cbor:"-"`

	ReceivedAt time.Time `cbor:"received_at"`
	NextDue    time.Time `cbor:"next_due"`

	// NumAttempts counts delivery attempts at the message level. It is
	// authoritative for scheduling even though individual recipients may
	// have stopped retrying earlier (e.g. after a permanent failure).
	NumAttempts int `cbor:"num_attempts,omitempty"`

	EhloDomain   string `cbor:"ehlo_domain,omitempty"`
	RemoteAddr   string `cbor:"remote_addr,omitempty"`
	EgressPool   string `cbor:"egress_pool,omitempty"`
	EgressSource string `cbor:"egress_source,omitempty"`

	Extra map[string]cbor.RawMessage `cbor:"extra,omitempty"`
}

// New creates a Message with a freshly generated SpoolId and ReceivedAt/
// NextDue both set to now.
func New(from string, rcpt []string, data []byte) *Message {
	now := time.Now().UTC()
	rs := make([]Recipient, len(rcpt))
	for i, addr := range rcpt {
		rs[i] = Recipient{Address: addr, Status: RecipientPending}
	}
	return &Message{
		SpoolId:    uuid.NewString(),
		From:       from,
		Rcpt:       rs,
		Data:       data,
		ReceivedAt: now,
		NextDue:    now,
	}
}

// Age returns how long ago the message was received, relative to now.
func (m *Message) Age(now time.Time) time.Duration {
	return now.Sub(m.ReceivedAt)
}

// DelayBy pushes NextDue out from now by d.
func (m *Message) DelayBy(now time.Time, d time.Duration) {
	m.NextDue = now.Add(d)
}

// Pending reports whether any recipient is still awaiting delivery.
func (m *Message) Pending() bool {
	for _, r := range m.Rcpt {
		if r.Status == RecipientPending {
			return true
		}
	}
	return false
}

var (
	errTooShort   = errors.New("message: metadata blob too short")
	errBadMagic   = errors.New("message: bad metadata magic")
	errBadVersion = errors.New("message: unsupported metadata version")

	// ErrDataTooLarge is returned by anything reading a message's Data off
	// the wire once it exceeds the configured maximum size. It lives here,
	// rather than in the reader that raises it, so every caller checking
	// for an oversized message (smtpsrv's DATA handler today) tests
	// against one shared sentinel.
	ErrDataTooLarge = errors.New("message: data exceeds configured maximum size")
)

// metaEncMode writes time.Time values as RFC 3339 strings with nanosecond
// precision, so ReceivedAt and NextDue survive a round trip exactly.
var metaEncMode, _ = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()

// Marshal encodes the message's metadata (everything but Data, which is
// stored separately) as a versioned CBOR blob.
func (m *Message) Marshal() ([]byte, error) {
	body, err := metaEncMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("message: encode: %w", err)
	}
	out := make([]byte, 0, 5+len(body))
	out = append(out, metaMagic...)
	out = append(out, byte(metaVersion))
	out = append(out, body...)
	return out, nil
}

// Unmarshal decodes a versioned CBOR blob produced by Marshal.
func Unmarshal(blob []byte) (*Message, error) {
	if len(blob) < 5 {
		return nil, errTooShort
	}
	if !bytes.Equal(blob[:4], []byte(metaMagic)) {
		return nil, errBadMagic
	}
	if blob[4] != metaVersion {
		return nil, errBadVersion
	}
	var m Message
	if err := cbor.Unmarshal(blob[5:], &m); err != nil {
		return nil, fmt.Errorf("message: decode: %w", err)
	}
	return &m, nil
}
