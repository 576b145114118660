package radius

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/proisp/radsync/internal/models"
)

// Defaults applied when a package leaves a field unset
const (
	DefaultUploadKbps      = 2000
	DefaultDownloadKbps    = 5000
	DefaultSimultaneousUse = 1
	DefaultIdleTimeout     = 300

	ServiceTypeLoginUser = "Login-User"

	AddressListTrial = "trial_users"
	AddressListPaid  = "paid_users"

	// GroupNamePrefix is shared with the routers' group references
	GroupNamePrefix = "package_"
)

// ValidationError reports a package that cannot be encoded
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid package %s: %s", e.Field, e.Reason)
}

// GroupName returns the RADIUS group name of a package
func GroupName(packageID uint) string {
	return GroupNamePrefix + strconv.FormatUint(uint64(packageID), 10)
}

// ParseGroupName extracts the package ID from a group name
func ParseGroupName(name string) (uint, bool) {
	if !strings.HasPrefix(name, GroupNamePrefix) {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimPrefix(name, GroupNamePrefix), 10, 32)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

// ValidatePackage checks the invariants a package must satisfy before any
// RADIUS write. Soft problems are returned as warnings.
func ValidatePackage(pkg *models.Package) ([]string, error) {
	if pkg == nil {
		return nil, &ValidationError{Field: "package", Reason: "missing"}
	}
	if strings.TrimSpace(pkg.Name) == "" {
		return nil, &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if pkg.DurationValue <= 0 {
		return nil, &ValidationError{Field: "duration_value", Reason: "must be greater than zero"}
	}
	if !pkg.DurationUnit.Valid() {
		return nil, &ValidationError{Field: "duration_unit", Reason: fmt.Sprintf("unknown unit %q", pkg.DurationUnit)}
	}
	if pkg.TrialDurationValue < 0 {
		return nil, &ValidationError{Field: "trial_duration_value", Reason: "must not be negative"}
	}
	if pkg.Price < 0 {
		return nil, &ValidationError{Field: "price", Reason: "must not be negative"}
	}
	if pkg.UploadKbps < 0 || pkg.DownloadKbps < 0 {
		return nil, &ValidationError{Field: "bandwidth", Reason: "must not be negative"}
	}
	if pkg.DataLimitMB != nil && *pkg.DataLimitMB < 0 {
		return nil, &ValidationError{Field: "data_limit_mb", Reason: "must not be negative"}
	}
	if pkg.SimultaneousUsers < 0 {
		return nil, &ValidationError{Field: "simultaneous_users", Reason: "must not be negative"}
	}

	var warnings []string
	if pkg.IsTrial && pkg.Price > 0 {
		warnings = append(warnings, fmt.Sprintf("trial package %q has a non-zero price %.2f", pkg.Name, pkg.Price))
	}
	return warnings, nil
}

// EncodeGroupAttributes translates a package into the check and reply rows
// of its RADIUS group. The output is stable for identical input.
//
// Time is capped with Max-All-Session, which is counted across reconnects.
// Session-Timeout is never emitted: it restarts on every reconnect. The
// Max-All-Session row is a default that SetCumulativeSessionLimit can
// override per user.
func EncodeGroupAttributes(pkg *models.Package) (checks, replies []Attribute, err error) {
	if _, err := ValidatePackage(pkg); err != nil {
		return nil, nil, err
	}

	simUse := int64(pkg.SimultaneousUsers)
	if simUse <= 0 {
		simUse = DefaultSimultaneousUse
	}

	checks = []Attribute{
		SetInt(AttrSimultaneousUse, simUse),
		DefaultInt(AttrMaxAllSession, pkg.DurationSeconds()),
		Set(AttrServiceType, ServiceTypeLoginUser),
	}
	if pkg.HasDataLimit() {
		checks = append(checks, SetInt(AttrMikrotikTotalLimit, pkg.DataLimitBytes()))
	}

	up, down := pkg.UploadKbps, pkg.DownloadKbps
	if up <= 0 {
		up = DefaultUploadKbps
	}
	if down <= 0 {
		down = DefaultDownloadKbps
	}

	addressList := AddressListPaid
	if pkg.IsTrial {
		addressList = AddressListTrial
	}

	replies = []Attribute{
		SetInt(AttrWISPrBandwidthMaxUp, up*1000),
		SetInt(AttrWISPrBandwidthMaxDwn, down*1000),
		Set(AttrMikrotikRateLimit, fmt.Sprintf("%dK/%dK", up, down)),
		SetInt(AttrIdleTimeout, DefaultIdleTimeout),
		Set(AttrMikrotikAddressList, addressList),
		Set(AttrReplyMessage, truncate("Welcome to "+pkg.Name)),
	}
	if pkg.HasDataLimit() {
		replies = append(replies, SetInt(AttrMikrotikTotalLimit, pkg.DataLimitBytes()))
	}

	return checks, replies, nil
}

// GroupPolicy is the decoded, human readable view of a group's rows
type GroupPolicy struct {
	SimultaneousUse int64
	MaxAllSession   int64
	DataLimitBytes  int64
	UploadKbps      int64
	DownloadKbps    int64
	IdleTimeout     int64
	AddressList     string
	ReplyMessage    string
	Trial           bool
	// LegacySessionTimeout is set when the group still carries a
	// Session-Timeout row written by an older release.
	LegacySessionTimeout bool
}

// DecodeGroupAttributes reads back a group's rows for inspection. Unknown
// attributes are ignored; unparsable integers decode as zero.
func DecodeGroupAttributes(checks, replies []Attribute) GroupPolicy {
	var p GroupPolicy
	for _, a := range checks {
		switch a.Name {
		case AttrSimultaneousUse:
			p.SimultaneousUse = parseInt(a.Value)
		case AttrMaxAllSession:
			p.MaxAllSession = parseInt(a.Value)
		case AttrMikrotikTotalLimit:
			p.DataLimitBytes = parseInt(a.Value)
		case AttrSessionTimeout:
			p.LegacySessionTimeout = true
		}
	}
	for _, a := range replies {
		switch a.Name {
		case AttrWISPrBandwidthMaxUp:
			p.UploadKbps = parseInt(a.Value) / 1000
		case AttrWISPrBandwidthMaxDwn:
			p.DownloadKbps = parseInt(a.Value) / 1000
		case AttrIdleTimeout:
			p.IdleTimeout = parseInt(a.Value)
		case AttrMikrotikAddressList:
			p.AddressList = a.Value
			p.Trial = a.Value == AddressListTrial
		case AttrReplyMessage:
			p.ReplyMessage = a.Value
		case AttrMikrotikTotalLimit:
			if p.DataLimitBytes == 0 {
				p.DataLimitBytes = parseInt(a.Value)
			}
		case AttrSessionTimeout:
			p.LegacySessionTimeout = true
		}
	}
	return p
}

func parseInt(s string) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return v
}
