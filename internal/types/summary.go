package types

// Stats holds the four aggregates computed per indicator over a ring window.
// All fields are nil when no includable sample existed for the tag.
type Stats struct {
	Mean *float64 `gorm:"column:mean"`
	Max  *float64 `gorm:"column:max"`
	Min  *float64 `gorm:"column:min"`
	Std  *float64 `gorm:"column:std"`
}

// IsNull reports whether the aggregate carries no data.
func (s Stats) IsNull() bool { return s.Mean == nil }

// Completeness classifies how much of a ring's expected input was present
// when the summary was produced.
type Completeness string

const (
	CompletenessComplete          Completeness = "complete"
	CompletenessPartialPLC        Completeness = "partial_plc"
	CompletenessPartialAttitude   Completeness = "partial_attitude"
	CompletenessMissingMonitoring Completeness = "missing_monitoring"
	CompletenessMissingPLC        Completeness = "missing_plc"
)

// RingSummary is one row per completed ring. It is created by the aligner,
// may be updated in place while the grace window is open, and is immutable after
// finalization. Never deleted by the pipeline.
type RingSummary struct {
	RingNumber int64 `gorm:"primaryKey;column:ring_number"`

	StartTsMs int64 `gorm:"column:start_ts"`
	EndTsMs   int64 `gorm:"column:end_ts"`

	// Per-indicator aggregates from PLC samples.
	Thrust        Stats `gorm:"embedded;embeddedPrefix:thrust_"`
	Torque        Stats `gorm:"embedded;embeddedPrefix:torque_"`
	ChamberPress  Stats `gorm:"embedded;embeddedPrefix:chamber_pressure_"`
	AdvanceRate   Stats `gorm:"embedded;embeddedPrefix:advance_rate_"`
	GroutPressure Stats `gorm:"embedded;embeddedPrefix:grout_pressure_"`
	GroutVolume   Stats `gorm:"embedded;embeddedPrefix:grout_volume_"`

	// Attitude aggregates.
	MeanPitch        *float64 `gorm:"column:mean_pitch"`
	MeanRoll         *float64 `gorm:"column:mean_roll"`
	MeanYaw          *float64 `gorm:"column:mean_yaw"`
	MaxHorizontalDev *float64 `gorm:"column:max_horizontal_dev"`
	MaxVerticalDev   *float64 `gorm:"column:max_vertical_dev"`

	// Monitoring values associated through the settlement lag window.
	SettlementValue   *float64 `gorm:"column:settlement_value"`
	DisplacementValue *float64 `gorm:"column:displacement_value"`

	// Derived indicators. Nil whenever a divisor was zero or a required
	// aggregate was null.
	SpecificEnergy    *float64 `gorm:"column:specific_energy"`
	GroundLossRate    *float64 `gorm:"column:ground_loss_rate"`
	VolumeLossRatio   *float64 `gorm:"column:volume_loss_ratio"`
	TorqueThrustRatio *float64 `gorm:"column:torque_thrust_ratio"`
	PenetrationEfficiency *float64 `gorm:"column:penetration_efficiency"`

	GeologicalZone string `gorm:"column:geological_zone"`

	CompletenessFlag Completeness `gorm:"column:data_completeness_flag"`

	CreatedAtMs int64 `gorm:"column:created_at"`
	Final       bool  `gorm:"column:final"`
	Synced      bool  `gorm:"column:synced_to_cloud"`
}

// TableName implements gorm's table naming.
func (RingSummary) TableName() string { return "ring_summaries" }

// DurationMinutes returns the ring construction duration in minutes.
func (r *RingSummary) DurationMinutes() float64 {
	return float64(r.EndTsMs-r.StartTsMs) / 60000.0
}
