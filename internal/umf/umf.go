// Package umf implements the framed-message envelope used on every
// messaging surface of the router: the persistent client channel, the
// registry broadcast channel, and the HTTP passthrough endpoints.
//
// Frames are JSON objects. Historically both long and short key forms exist
// on the wire (from/frm, body/bdy, type/typ, version/ver, timestamp/ts,
// signature/sig); the codec accepts either form on ingress and always emits
// the short form on egress.
package umf

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hydramesh/hydra-router/pkg/common/timeutil"
)

// Version is the envelope version stamped on every frame created by this
// router.
const Version = "UMF/1.4.6"

// ErrMissingFields is returned when a frame lacks one of the required
// routing fields.
var ErrMissingFields = errors.New(`message missing "to", "frm" and "bdy" fields`)

// Message is a single framed message. The JSON tags are the short-form keys
// emitted on egress.
type Message struct {
	MID           string            `json:"mid"`
	RMID          string            `json:"rmid,omitempty"`
	To            string            `json:"to"`
	From          string            `json:"frm"`
	Via           string            `json:"via,omitempty"`
	Forward       string            `json:"forward,omitempty"`
	Type          string            `json:"typ,omitempty"`
	Version       string            `json:"ver,omitempty"`
	Timestamp     string            `json:"ts,omitempty"`
	Body          any               `json:"bdy"`
	Authorization string            `json:"authorization,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Signature     string            `json:"sig,omitempty"`
}

// New creates a message with a fresh id, the current UTC timestamp, and the
// router's envelope version. Callers fill in the routing fields.
func New(tp timeutil.Provider) Message {
	return Message{
		MID:       uuid.NewString(),
		Version:   Version,
		Timestamp: FormatTimestamp(tp.Now()),
	}
}

// timestampLayout is the wire format of every frame timestamp: UTC ISO-8601
// with millisecond precision.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTimestamp renders t in the frame timestamp wire format.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// ParseTimestamp parses a frame timestamp.
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(timestampLayout, s)
}

// Validate checks the presence of the required routing fields.
func (m Message) Validate() error {
	if m.To == "" || m.From == "" || m.Body == nil {
		return ErrMissingFields
	}
	return nil
}

// BodyMap returns the body as a string-keyed map when it decoded as a JSON
// object, or nil otherwise.
func (m Message) BodyMap() map[string]any {
	bm, ok := m.Body.(map[string]any)
	if !ok {
		return nil
	}
	return bm
}

// BodyString returns the string value under key in a JSON-object body, or ""
// when the body is not an object or the key is absent.
func (m Message) BodyString(key string) string {
	bm := m.BodyMap()
	if bm == nil {
		return ""
	}
	s, _ := bm[key].(string)
	return s
}

// Encode serializes the message in the short form.
func (m Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}
	return data, nil
}

// Decode parses a frame, accepting long or short key forms. When both forms
// of a field are present the short form wins.
func Decode(data []byte) (Message, error) {
	var raw struct {
		MID           string            `json:"mid"`
		RMID          string            `json:"rmid"`
		To            string            `json:"to"`
		From          string            `json:"from"`
		Frm           string            `json:"frm"`
		Via           string            `json:"via"`
		Forward       string            `json:"forward"`
		Type          string            `json:"type"`
		Typ           string            `json:"typ"`
		Version       string            `json:"version"`
		Ver           string            `json:"ver"`
		Timestamp     string            `json:"timestamp"`
		Ts            string            `json:"ts"`
		Body          any               `json:"body"`
		Bdy           any               `json:"bdy"`
		Authorization string            `json:"authorization"`
		Headers       map[string]string `json:"headers"`
		Signature     string            `json:"signature"`
		Sig           string            `json:"sig"`
	}

	if err := json.Unmarshal(data, &raw); err != nil {
		return Message{}, fmt.Errorf("decoding frame: %w", err)
	}

	m := Message{
		MID:           raw.MID,
		RMID:          raw.RMID,
		To:            raw.To,
		From:          pick(raw.Frm, raw.From),
		Via:           raw.Via,
		Forward:       raw.Forward,
		Type:          pick(raw.Typ, raw.Type),
		Version:       pick(raw.Ver, raw.Version),
		Timestamp:     pick(raw.Ts, raw.Timestamp),
		Authorization: raw.Authorization,
		Headers:       raw.Headers,
		Signature:     pick(raw.Sig, raw.Signature),
	}
	m.Body = raw.Bdy
	if m.Body == nil {
		m.Body = raw.Body
	}

	return m, nil
}

func pick(short, long string) string {
	if short != "" {
		return short
	}
	return long
}

// Sign computes the HMAC-SHA-256 signature over the canonical form of the
// message (its short-form serialization without the signature field) and
// stores it as lowercase hex.
func (m *Message) Sign(secret string) error {
	sig, err := m.computeSignature(secret)
	if err != nil {
		return err
	}
	m.Signature = sig
	return nil
}

// VerifySignature recomputes the signature and compares it against the one
// carried by the message in constant time.
func (m Message) VerifySignature(secret string) bool {
	if m.Signature == "" {
		return false
	}
	sig, err := m.computeSignature(secret)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(sig), []byte(m.Signature))
}

func (m Message) computeSignature(secret string) (string, error) {
	unsigned := m
	unsigned.Signature = ""

	data, err := json.Marshal(unsigned)
	if err != nil {
		return "", fmt.Errorf("canonicalizing frame: %w", err)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil)), nil
}
