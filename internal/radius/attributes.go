package radius

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
)

// FreeRADIUS operators. Every row the engine writes uses OpSet, except the
// group's Max-All-Session default, which uses OpDefault so a per-user
// radcheck row can override it: rlm_sql merges group check items after the
// user's, and a group ":=" would replace the user's value.
const (
	OpSet     = ":="
	OpDefault = "="
)

// Attribute names. These are consumed verbatim by FreeRADIUS and the
// MikroTik NAS dictionaries.
const (
	AttrCleartextPassword    = "Cleartext-Password"
	AttrAuthType             = "Auth-Type"
	AttrSimultaneousUse      = "Simultaneous-Use"
	AttrMaxAllSession        = "Max-All-Session"
	AttrSessionTimeout       = "Session-Timeout"
	AttrServiceType          = "Service-Type"
	AttrIdleTimeout          = "Idle-Timeout"
	AttrReplyMessage         = "Reply-Message"
	AttrWISPrBandwidthMaxUp  = "WISPr-Bandwidth-Max-Up"
	AttrWISPrBandwidthMaxDwn = "WISPr-Bandwidth-Max-Down"
	AttrMikrotikRateLimit    = "Mikrotik-Rate-Limit"
	AttrMikrotikTotalLimit   = "Mikrotik-Total-Limit"
	AttrMikrotikAddressList  = "Mikrotik-Address-List"
)

// MaxValueLength is the largest value a RADIUS attribute can carry
const MaxValueLength = 253

// Attribute is one (attribute, op, value) row of a check or reply table
type Attribute struct {
	Name  string `json:"attribute"`
	Op    string `json:"op"`
	Value string `json:"value"`
}

// Set builds an attribute with the ":=" operator
func Set(name, value string) Attribute {
	return Attribute{Name: name, Op: OpSet, Value: value}
}

// SetInt builds an integer valued attribute with the ":=" operator
func SetInt(name string, value int64) Attribute {
	return Set(name, strconv.FormatInt(value, 10))
}

// DefaultInt builds an integer valued attribute with the "=" operator
func DefaultInt(name string, value int64) Attribute {
	return Attribute{Name: name, Op: OpDefault, Value: strconv.FormatInt(value, 10)}
}

func (a Attribute) String() string {
	return a.Name + " " + a.Op + " " + a.Value
}

// Find returns the first attribute with the given name
func Find(attrs []Attribute, name string) (Attribute, bool) {
	for _, a := range attrs {
		if a.Name == name {
			return a, true
		}
	}
	return Attribute{}, false
}

// SameAttributes reports whether two lists hold the same rows, ignoring order
func SameAttributes(a, b []Attribute) bool {
	if len(a) != len(b) {
		return false
	}
	as, bs := sortedStrings(a), sortedStrings(b)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func sortedStrings(attrs []Attribute) []string {
	out := make([]string, len(attrs))
	for i, a := range attrs {
		out[i] = a.String()
	}
	sort.Strings(out)
	return out
}

// Fingerprint hashes an encoded group. Identical input yields an identical
// fingerprint, so it can be compared against a cached value.
func Fingerprint(checks, replies []Attribute) string {
	var b strings.Builder
	for _, a := range checks {
		b.WriteString("c|")
		b.WriteString(a.String())
		b.WriteByte('\n')
	}
	for _, a := range replies {
		b.WriteString("r|")
		b.WriteString(a.String())
		b.WriteByte('\n')
	}
	return fmt.Sprintf("%016x", xxhash.Sum64String(b.String()))
}

// truncate cuts s to MaxValueLength bytes without splitting a rune
func truncate(s string) string {
	if len(s) <= MaxValueLength {
		return s
	}
	n := MaxValueLength
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
