package radius

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proisp/radsync/internal/models"
)

func int64Ptr(v int64) *int64 { return &v }

func dailyPackage() *models.Package {
	return &models.Package{
		ID:            7,
		Name:          "Daily 2GB",
		DurationValue: 1,
		DurationUnit:  models.DurationUnitDay,
		Price:         10,
		UploadKbps:    1024,
		DownloadKbps:  2048,
		DataLimitMB:   int64Ptr(2048),
	}
}

func TestEncodeGroupAttributes_DailyCappedPackage(t *testing.T) {
	checks, replies, err := EncodeGroupAttributes(dailyPackage())
	require.NoError(t, err)

	assert.Equal(t, []Attribute{
		{Name: "Simultaneous-Use", Op: ":=", Value: "1"},
		{Name: "Max-All-Session", Op: "=", Value: "86400"},
		{Name: "Service-Type", Op: ":=", Value: "Login-User"},
		{Name: "Mikrotik-Total-Limit", Op: ":=", Value: "2147483648"},
	}, checks)

	assert.Equal(t, []Attribute{
		{Name: "WISPr-Bandwidth-Max-Up", Op: ":=", Value: "1024000"},
		{Name: "WISPr-Bandwidth-Max-Down", Op: ":=", Value: "2048000"},
		{Name: "Mikrotik-Rate-Limit", Op: ":=", Value: "1024K/2048K"},
		{Name: "Idle-Timeout", Op: ":=", Value: "300"},
		{Name: "Mikrotik-Address-List", Op: ":=", Value: "paid_users"},
		{Name: "Reply-Message", Op: ":=", Value: "Welcome to Daily 2GB"},
		{Name: "Mikrotik-Total-Limit", Op: ":=", Value: "2147483648"},
	}, replies)
}

func TestEncodeGroupAttributes_HourUsesMaxAllSessionNotSessionTimeout(t *testing.T) {
	pkg := &models.Package{Name: "1 Hour", DurationValue: 1, DurationUnit: models.DurationUnitHour}

	checks, replies, err := EncodeGroupAttributes(pkg)
	require.NoError(t, err)

	mas, ok := Find(checks, AttrMaxAllSession)
	require.True(t, ok)
	assert.Equal(t, "3600", mas.Value)

	_, ok = Find(checks, AttrSessionTimeout)
	assert.False(t, ok, "Session-Timeout must never be a check attribute")
	_, ok = Find(replies, AttrSessionTimeout)
	assert.False(t, ok, "Session-Timeout must never be a reply attribute")
}

func TestEncodeGroupAttributes_Defaults(t *testing.T) {
	pkg := &models.Package{Name: "Trial", DurationValue: 30, DurationUnit: models.DurationUnitMinute, IsTrial: true}

	checks, replies, err := EncodeGroupAttributes(pkg)
	require.NoError(t, err)

	assert.Len(t, checks, 3, "no total limit without a data cap")
	assert.Len(t, replies, 6)

	v, _ := Find(checks, AttrMaxAllSession)
	assert.Equal(t, "1800", v.Value)
	v, _ = Find(replies, AttrWISPrBandwidthMaxUp)
	assert.Equal(t, "2000000", v.Value)
	v, _ = Find(replies, AttrWISPrBandwidthMaxDwn)
	assert.Equal(t, "5000000", v.Value)
	v, _ = Find(replies, AttrMikrotikRateLimit)
	assert.Equal(t, "2000K/5000K", v.Value)
	v, _ = Find(replies, AttrMikrotikAddressList)
	assert.Equal(t, "trial_users", v.Value)
}

func TestEncodeGroupAttributes_Units(t *testing.T) {
	tests := []struct {
		unit models.DurationUnit
		want string
	}{
		{models.DurationUnitMinute, "120"},
		{models.DurationUnitHour, "7200"},
		{models.DurationUnitDay, "172800"},
		{models.DurationUnitWeek, "1209600"},
		{models.DurationUnitMonth, "5184000"},
		{models.DurationUnitYear, "63072000"},
	}
	for _, tt := range tests {
		t.Run(string(tt.unit), func(t *testing.T) {
			checks, _, err := EncodeGroupAttributes(&models.Package{Name: "p", DurationValue: 2, DurationUnit: tt.unit})
			require.NoError(t, err)
			v, _ := Find(checks, AttrMaxAllSession)
			assert.Equal(t, tt.want, v.Value)
		})
	}
}

func TestEncodeGroupAttributes_Deterministic(t *testing.T) {
	pkg := dailyPackage()
	c1, r1, err := EncodeGroupAttributes(pkg)
	require.NoError(t, err)
	c2, r2, err := EncodeGroupAttributes(pkg)
	require.NoError(t, err)

	assert.Equal(t, c1, c2)
	assert.Equal(t, r1, r2)
	assert.Equal(t, Fingerprint(c1, r1), Fingerprint(c2, r2))
}

func TestEncodeGroupAttributes_Validation(t *testing.T) {
	tests := []struct {
		name  string
		pkg   *models.Package
		field string
	}{
		{"nil", nil, "package"},
		{"no name", &models.Package{DurationValue: 1, DurationUnit: models.DurationUnitDay}, "name"},
		{"zero duration", &models.Package{Name: "p", DurationUnit: models.DurationUnitDay}, "duration_value"},
		{"negative duration", &models.Package{Name: "p", DurationValue: -1, DurationUnit: models.DurationUnitDay}, "duration_value"},
		{"bad unit", &models.Package{Name: "p", DurationValue: 1, DurationUnit: "fortnight"}, "duration_unit"},
		{"negative cap", &models.Package{Name: "p", DurationValue: 1, DurationUnit: models.DurationUnitDay, DataLimitMB: int64Ptr(-5)}, "data_limit_mb"},
		{"negative speed", &models.Package{Name: "p", DurationValue: 1, DurationUnit: models.DurationUnitDay, UploadKbps: -1}, "bandwidth"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := EncodeGroupAttributes(tt.pkg)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestValidatePackage_TrialPriceIsWarning(t *testing.T) {
	pkg := &models.Package{Name: "Trial", DurationValue: 1, DurationUnit: models.DurationUnitHour, IsTrial: true, Price: 5}

	warnings, err := ValidatePackage(pkg)
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "non-zero price")
}

func TestTrialDurationOverridesDuration(t *testing.T) {
	pkg := &models.Package{Name: "Trial", DurationValue: 1, DurationUnit: models.DurationUnitDay, IsTrial: true, TrialDurationValue: 2}

	checks, _, err := EncodeGroupAttributes(pkg)
	require.NoError(t, err)
	v, _ := Find(checks, AttrMaxAllSession)
	assert.Equal(t, "172800", v.Value)
}

func TestDecodeGroupAttributes_RoundTrip(t *testing.T) {
	checks, replies, err := EncodeGroupAttributes(dailyPackage())
	require.NoError(t, err)

	p := DecodeGroupAttributes(checks, replies)
	assert.Equal(t, int64(1), p.SimultaneousUse)
	assert.Equal(t, int64(86400), p.MaxAllSession)
	assert.Equal(t, int64(2147483648), p.DataLimitBytes)
	assert.Equal(t, int64(1024), p.UploadKbps)
	assert.Equal(t, int64(2048), p.DownloadKbps)
	assert.Equal(t, "paid_users", p.AddressList)
	assert.False(t, p.Trial)
	assert.False(t, p.LegacySessionTimeout)

	legacy := append(checks, SetInt(AttrSessionTimeout, 86400))
	assert.True(t, DecodeGroupAttributes(legacy, replies).LegacySessionTimeout)
}

func TestGroupName(t *testing.T) {
	assert.Equal(t, "package_42", GroupName(42))

	id, ok := ParseGroupName("package_42")
	assert.True(t, ok)
	assert.Equal(t, uint(42), id)

	for _, bad := range []string{"package_", "package_x", "pkg_1", "package_0"} {
		_, ok := ParseGroupName(bad)
		assert.False(t, ok, bad)
	}
}

func TestSameAttributesIgnoresOrder(t *testing.T) {
	a := []Attribute{Set("A", "1"), Set("B", "2")}
	b := []Attribute{Set("B", "2"), Set("A", "1")}
	assert.True(t, SameAttributes(a, b))
	assert.False(t, SameAttributes(a, a[:1]))
	assert.False(t, SameAttributes(a, []Attribute{Set("A", "1"), Set("B", "3")}))
}
