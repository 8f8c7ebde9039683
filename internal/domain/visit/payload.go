package visit

import (
	"regexp"
	"strings"
)

// Payload is the clinical data a staff member submits when clocking out of a
// stage. Which fields are accepted depends on the stage being closed.
type Payload struct {
	Notes string `json:"notes,omitempty"`

	Vitals *VitalSigns `json:"vitals,omitempty"`

	Diagnosis       string         `json:"diagnosis,omitempty"`
	TreatmentPlan   string         `json:"treatment_plan,omitempty"`
	PrescriptionRef string         `json:"prescription_ref,omitempty"`
	Prescriptions   []Prescription `json:"prescriptions,omitempty"`
	LabOrders       []LabOrder     `json:"lab_orders,omitempty"`
}

// VitalSigns are recorded at the nurse stage. Nil fields were not measured.
// BMI is derived from weight and height whenever both are known.
type VitalSigns struct {
	BloodPressure string   `json:"blood_pressure,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	Pulse         *int     `json:"pulse,omitempty"`
	Weight        *float64 `json:"weight,omitempty"`
	Height        *float64 `json:"height,omitempty"`
	BMI           *float64 `json:"bmi,omitempty"`
}

type Prescription struct {
	Medication   string `json:"medication"`
	Dosage       string `json:"dosage,omitempty"`
	Frequency    string `json:"frequency,omitempty"`
	Duration     string `json:"duration,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

type LabOrder struct {
	TestName        string `json:"test_name"`
	ServiceChargeID string `json:"service_charge_id,omitempty"`
	Category        string `json:"category,omitempty"`
}

var bloodPressurePattern = regexp.MustCompile(`^\d{2,3}/\d{2,3}$`)

func (p Payload) hasDoctorFields() bool {
	return p.Diagnosis != "" || p.TreatmentPlan != "" || p.PrescriptionRef != "" ||
		len(p.Prescriptions) > 0 || len(p.LabOrders) > 0
}

// validateFor checks that p belongs to stage and is well formed. known is the
// diagnosis already on the record, which satisfies the completion rule.
func (p Payload) validateFor(stage Stage, next Stage, known string) error {
	switch stage {
	case StageNurse:
		if p.hasDoctorFields() {
			return newError(KindInvalidPayload, "nurse stage accepts vitals and notes only")
		}
	case StageDoctor:
		if p.Vitals != nil {
			return newError(KindInvalidPayload, "vitals belong to the nurse stage")
		}
		if next == StageCompleted && strings.TrimSpace(p.Diagnosis) == "" && known == "" {
			return newError(KindInvalidPayload, "a diagnosis is required to complete the visit from the doctor stage")
		}
	default:
		if p.Vitals != nil || p.hasDoctorFields() {
			return newError(KindInvalidPayload, "%s stage accepts notes only", stage)
		}
	}

	if p.Vitals != nil {
		if err := p.Vitals.validate(); err != nil {
			return err
		}
	}
	for i, o := range p.LabOrders {
		if strings.TrimSpace(o.TestName) == "" {
			return newError(KindInvalidPayload, "lab order %d has no test name", i+1)
		}
	}
	for i, rx := range p.Prescriptions {
		if strings.TrimSpace(rx.Medication) == "" {
			return newError(KindInvalidPayload, "prescription %d has no medication", i+1)
		}
	}
	return nil
}

func (v *VitalSigns) validate() error {
	if v.BloodPressure != "" && !bloodPressurePattern.MatchString(strings.TrimSpace(v.BloodPressure)) {
		return newError(KindInvalidPayload, "blood pressure %q must look like sys/dia", v.BloodPressure)
	}
	if v.Temperature != nil && *v.Temperature <= 0 {
		return newError(KindInvalidPayload, "temperature must be positive")
	}
	if v.Pulse != nil && *v.Pulse <= 0 {
		return newError(KindInvalidPayload, "pulse must be positive")
	}
	if v.Weight != nil && *v.Weight <= 0 {
		return newError(KindInvalidPayload, "weight must be positive")
	}
	if v.Height != nil && *v.Height <= 0 {
		return newError(KindInvalidPayload, "height must be positive")
	}
	return nil
}

func (v *VitalSigns) clone() *VitalSigns {
	if v == nil {
		return nil
	}
	out := *v
	out.Temperature = cloneFloat(v.Temperature)
	out.Weight = cloneFloat(v.Weight)
	out.Height = cloneFloat(v.Height)
	out.BMI = cloneFloat(v.BMI)
	if v.Pulse != nil {
		p := *v.Pulse
		out.Pulse = &p
	}
	return &out
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	c := *f
	return &c
}
