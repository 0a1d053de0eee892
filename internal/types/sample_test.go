package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQualityFlagString(t *testing.T) {
	tests := []struct {
		flag QualityFlag
		want string
	}{
		{FlagGood, "good"},
		{FlagInterpolated, "interpolated"},
		{FlagOutOfRange, "out_of_range"},
		{FlagImplausible, "physically_implausible"},
		{FlagCalibrated, "calibrated_from_raw"},
		{FlagMissing, "missing"},
		{FlagInterpolated | FlagCalibrated, "interpolated|calibrated_from_raw"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.flag.String())
			assert.Equal(t, tt.flag, ParseQualityFlag(tt.want))
		})
	}
}

func TestParseQualityFlagTolerant(t *testing.T) {
	assert.Equal(t, FlagGood, ParseQualityFlag(""))
	assert.Equal(t, FlagGood, ParseQualityFlag("nonsense"))
	assert.Equal(t, FlagOutOfRange, ParseQualityFlag("nonsense|out_of_range"))
}

func TestQualityFlagExcluded(t *testing.T) {
	assert.False(t, FlagGood.Excluded())
	assert.False(t, FlagInterpolated.Excluded())
	assert.False(t, FlagCalibrated.Excluded())
	assert.False(t, (FlagInterpolated | FlagCalibrated).Excluded())

	assert.True(t, FlagOutOfRange.Excluded())
	assert.True(t, FlagImplausible.Excluded())
	assert.True(t, FlagMissing.Excluded())
	assert.True(t, (FlagCalibrated | FlagImplausible).Excluded())
}

func TestQualityFlagHas(t *testing.T) {
	f := FlagInterpolated | FlagCalibrated
	assert.True(t, f.Has(FlagInterpolated))
	assert.True(t, f.Has(FlagCalibrated))
	assert.False(t, f.Has(FlagOutOfRange))

	// The good marker only matches a completely clean flag.
	assert.True(t, FlagGood.Has(FlagGood))
	assert.False(t, f.Has(FlagGood))
}

func TestTableString(t *testing.T) {
	assert.Equal(t, "plc_samples", TablePLC.String())
	assert.Equal(t, "attitude_samples", TableAttitude.String())
	assert.Equal(t, "monitoring_samples", TableMonitoring.String())
	assert.Equal(t, "unknown", Table(99).String())
}

func TestSampleKey(t *testing.T) {
	s := Sample{Source: "plc-main", Tag: "thrust_total"}
	assert.Equal(t, "plc-main/thrust_total", s.Key())
}
