package orchestration

import "testing"

func TestSeverityFromConfidence(t *testing.T) {
	tests := []struct {
		confidence float64
		wantNum    int
		wantLabel  Severity
	}{
		{0.95, 5, SeverityCritical},
		{0.81, 5, SeverityCritical},
		{0.8, 4, SeverityHigh}, // boundary: exactly 0.8 falls to the next bucket down
		{0.7, 4, SeverityHigh},
		{0.6, 3, SeverityMedium},
		{0.5, 3, SeverityMedium},
		{0.4, 2, SeverityLow},
		{0.3, 2, SeverityLow},
		{0.2, 1, SeverityVeryLow},
		{0.0, 1, SeverityVeryLow},
	}
	for _, tt := range tests {
		num, label := SeverityFromConfidence(tt.confidence)
		if num != tt.wantNum || label != tt.wantLabel {
			t.Errorf("SeverityFromConfidence(%v) = (%d, %v), want (%d, %v)", tt.confidence, num, label, tt.wantNum, tt.wantLabel)
		}
	}
}

func TestSeverityFromConfidence_MonotoneInConfidence(t *testing.T) {
	prevNum := 0
	for c := 0.0; c <= 1.0; c += 0.05 {
		num, _ := SeverityFromConfidence(c)
		if num < prevNum {
			t.Fatalf("severity decreased as confidence increased: at %.2f got %d after %d", c, num, prevNum)
		}
		prevNum = num
	}
}

func TestSensorReading_Validate(t *testing.T) {
	tests := []struct {
		name    string
		reading SensorReading
		wantErr bool
	}{
		{"valid", SensorReading{SensorID: "s1", Value: 42, Quality: 0.9}, false},
		{"missing sensor id", SensorReading{Value: 42}, true},
		{"nan value", SensorReading{SensorID: "s1", Value: nan()}, true},
		{"quality out of range", SensorReading{SensorID: "s1", Value: 1, Quality: 1.5}, true},
		{"zero quality is valid (unset)", SensorReading{SensorID: "s1", Value: 1, Quality: 0}, false},
	}
	for _, tt := range tests {
		err := tt.reading.Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: Validate() error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

func nan() float64 {
	var zero float64
	return zero / zero
}
