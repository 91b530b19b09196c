package fleet

// TelemetryPatch is a partial telemetry update. Nil fields are left untouched
// when applied.
type TelemetryPatch struct {
	Acceleration      *float64 `json:"acceleration,omitempty" yaml:"acceleration"`
	Latitude          *float64 `json:"latitude,omitempty" yaml:"latitude"`
	Longitude         *float64 `json:"longitude,omitempty" yaml:"longitude"`
	DrowsinessLevel   *float64 `json:"drowsiness_level,omitempty" yaml:"drowsiness_level"`
	RashDriving       *bool    `json:"rash_driving,omitempty" yaml:"rash_driving"`
	CollisionDetected *bool    `json:"collision_detected,omitempty" yaml:"collision_detected"`
}

// Empty reports whether the patch carries no fields.
func (p TelemetryPatch) Empty() bool {
	return p.Acceleration == nil && p.Latitude == nil && p.Longitude == nil &&
		p.DrowsinessLevel == nil && p.RashDriving == nil && p.CollisionDetected == nil
}

// Apply returns t with every non-nil field of p copied over. LastUpdated is
// not touched; the caller stamps it.
func (p TelemetryPatch) Apply(t Telemetry) Telemetry {
	if p.Acceleration != nil {
		t.Acceleration = *p.Acceleration
	}
	if p.Latitude != nil {
		t.Latitude = *p.Latitude
	}
	if p.Longitude != nil {
		t.Longitude = *p.Longitude
	}
	if p.DrowsinessLevel != nil {
		t.DrowsinessLevel = *p.DrowsinessLevel
	}
	if p.RashDriving != nil {
		t.RashDriving = *p.RashDriving
	}
	if p.CollisionDetected != nil {
		t.CollisionDetected = *p.CollisionDetected
	}
	return t
}

// Float and Bool build patch fields.
func Float(v float64) *float64 { return &v }
func Bool(v bool) *bool        { return &v }
