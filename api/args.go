package api

import (
	"encoding/json"
	"io"
	"math"
	"net/netip"
	"regexp"
	"strconv"
	"strings"

	"github.com/inkwire/gatehouse/trust"
)

// The argument layer sanitizes before it validates: the raw body is
// decoded once and every field is pulled through a typed extractor with
// a closed character set. A field that fails its extractor resolves to
// nil, exactly as if it were absent; handlers validate presence and
// never see a raw client string.

const maxArgsBytes = 1 << 20

var (
	hexPattern  = regexp.MustCompile(`^[0-9a-f]+$`)
	numPattern  = regexp.MustCompile(`^[0-9]{1,18}$`)
	wordPattern = regexp.MustCompile(`^[0-9A-Za-z_]{1,32}$`)
)

// Args is one request's sanitized argument set. Pointer fields are nil
// when the argument was absent or failed its shape check.
type Args struct {
	GUID     *string // hex-64
	Key      *string // hex-64, handshake secret
	SecHash  *string // hex-64
	Nonce    *string // hex-64
	Token    *string // hex-64
	Salt     *string // hex-32
	Checksum *string // hex-32
	Data     *string // base64 payload, size-bounded upstream
	Proof    *string // hex-40, operator digest
	Alias    *string
	Task     *string
	Pass     *string
	Field    *string // session field name
	Addr     *string // textual IP address
	Sticky   *bool
	Restore  *bool
	On       *bool
	Ban      *bool
	Minutes  *int64
	Nr       *int64
	Role     *int64
	Cap      *int64
}

// DecodeArgs reads and sanitizes a JSON argument object. Only a body
// that is not a JSON object at all is an error; individual fields
// degrade to nil.
func DecodeArgs(r io.Reader) (*Args, error) {
	var raw map[string]json.RawMessage
	dec := json.NewDecoder(io.LimitReader(r, maxArgsBytes))
	if err := dec.Decode(&raw); err != nil {
		if err == io.EOF {
			return &Args{}, nil
		}
		return nil, trust.Failf(trust.InvalidArgument, "request body is not a JSON object")
	}

	return &Args{
		GUID:     hexField(raw, "guid", 64),
		Key:      hexField(raw, "key", 64),
		SecHash:  hexField(raw, "sec_hash", 64),
		Nonce:    hexField(raw, "nonce", 64),
		Token:    hexField(raw, "token", 64),
		Salt:     hexField(raw, "salt", 32),
		Checksum: hexField(raw, "checksum", 32),
		Proof:    hexField(raw, "proof", 40),
		Data:     base64Field(raw, "data"),
		Alias:    textField(raw, "alias", 256),
		Task:     wordField(raw, "task"),
		Pass:     textField(raw, "pass", 256),
		Field:    wordField(raw, "field"),
		Addr:     addrField(raw, "addr"),
		Sticky:   boolField(raw, "sticky"),
		Restore:  boolField(raw, "restore"),
		On:       boolField(raw, "on"),
		Ban:      boolField(raw, "ban"),
		Minutes:  numField(raw, "t"),
		Nr:       numField(raw, "nr"),
		Role:     numField(raw, "role"),
		Cap:      numField(raw, "cap"),
	}, nil
}

func rawString(raw map[string]json.RawMessage, key string) (string, bool) {
	v, ok := raw[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", false
	}
	return s, true
}

// hexField accepts exactly length hex chars, lowercased on the way in.
func hexField(raw map[string]json.RawMessage, key string, length int) *string {
	s, ok := rawString(raw, key)
	if !ok {
		return nil
	}
	s = strings.ToLower(s)
	if len(s) != length || !hexPattern.MatchString(s) {
		return nil
	}
	return &s
}

// base64Field accepts the base64 alphabet only; the size bound is
// enforced against the policy by the handler.
func base64Field(raw map[string]json.RawMessage, key string) *string {
	s, ok := rawString(raw, key)
	if !ok {
		return nil
	}
	for _, c := range s {
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '+', c == '/', c == '=':
		default:
			return nil
		}
	}
	return &s
}

// textField accepts printable text without control characters.
func textField(raw map[string]json.RawMessage, key string, maxLen int) *string {
	s, ok := rawString(raw, key)
	if !ok || len(s) > maxLen {
		return nil
	}
	for _, c := range s {
		if c < 0x20 || c == 0x7f {
			return nil
		}
	}
	return &s
}

// addrField accepts a textual IP address, canonicalized on the way in.
func addrField(raw map[string]json.RawMessage, key string) *string {
	s, ok := rawString(raw, key)
	if !ok {
		return nil
	}
	ip, err := netip.ParseAddr(s)
	if err != nil {
		return nil
	}
	s = ip.String()
	return &s
}

// wordField accepts a short identifier.
func wordField(raw map[string]json.RawMessage, key string) *string {
	s, ok := rawString(raw, key)
	if !ok || !wordPattern.MatchString(s) {
		return nil
	}
	return &s
}

// boolField accepts JSON booleans and the legacy "1"/"0" strings.
func boolField(raw map[string]json.RawMessage, key string) *bool {
	v, ok := raw[key]
	if !ok {
		return nil
	}
	var b bool
	if err := json.Unmarshal(v, &b); err == nil {
		return &b
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		switch s {
		case "1":
			b = true
			return &b
		case "0":
			return &b
		}
	}
	return nil
}

// numField accepts non-negative JSON integers and bounded decimal
// strings.
func numField(raw map[string]json.RawMessage, key string) *int64 {
	v, ok := raw[key]
	if !ok {
		return nil
	}
	var f float64
	if err := json.Unmarshal(v, &f); err == nil {
		if f < 0 || f > math.MaxInt32 || f != math.Trunc(f) {
			return nil
		}
		n := int64(f)
		return &n
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil && numPattern.MatchString(s) {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil && n <= math.MaxInt32 {
			return &n
		}
	}
	return nil
}

// hexQueryValue sanitizes a hex argument arriving via the query string.
func hexQueryValue(v string, length int) *string {
	v = strings.ToLower(v)
	if len(v) != length || !hexPattern.MatchString(v) {
		return nil
	}
	return &v
}

// str returns the value of an optional string argument, or "".
func str(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// flag returns the value of an optional bool argument, or false.
func flag(p *bool) bool {
	if p == nil {
		return false
	}
	return *p
}
