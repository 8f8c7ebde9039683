package visit

import (
	"math"
	"strings"
)

// Merge folds p into the record of stage on v. Supplied scalar fields
// overwrite, absent ones keep their prior value, list fields append without
// duplicates, and other stages are never touched. Merging the same payload
// twice leaves the record unchanged. v is modified in place.
func Merge(v *Visit, stage Stage, p Payload) {
	if v.Stages == nil {
		v.Stages = make(map[Stage]*StageRecord)
	}
	rec, ok := v.Stages[stage]
	if !ok || rec == nil {
		r := newStageRecord(stage, 1)
		rec = &r
		v.Stages[stage] = rec
	}

	if p.Notes != "" {
		rec.Notes = p.Notes
	}
	if p.Vitals != nil {
		rec.Vitals = mergeVitals(rec.Vitals, p.Vitals)
	}
	if p.Diagnosis != "" {
		rec.Diagnosis = p.Diagnosis
	}
	if p.TreatmentPlan != "" {
		rec.TreatmentPlan = p.TreatmentPlan
	}
	if p.PrescriptionRef != "" {
		rec.PrescriptionRef = p.PrescriptionRef
	}
	rec.LabOrders = mergeLabOrders(rec.LabOrders, p.LabOrders)
	rec.Prescriptions = mergePrescriptions(rec.Prescriptions, p.Prescriptions)
}

func mergeVitals(prev, in *VitalSigns) *VitalSigns {
	out := prev.clone()
	if out == nil {
		out = &VitalSigns{}
	}
	if in.BloodPressure != "" {
		out.BloodPressure = strings.TrimSpace(in.BloodPressure)
	}
	if in.Temperature != nil {
		out.Temperature = cloneFloat(in.Temperature)
	}
	if in.Pulse != nil {
		p := *in.Pulse
		out.Pulse = &p
	}
	if in.Weight != nil {
		out.Weight = cloneFloat(in.Weight)
	}
	if in.Height != nil {
		out.Height = cloneFloat(in.Height)
	}

	if bmi, ok := ComputeBMI(out.Weight, out.Height); ok {
		out.BMI = &bmi
	} else if in.BMI != nil {
		out.BMI = cloneFloat(in.BMI)
	}
	return out
}

// ComputeBMI returns weight (kg) / height (cm)² × 10000 rounded to two
// decimals. ok is false unless both measurements are present and positive.
func ComputeBMI(weight, height *float64) (float64, bool) {
	if weight == nil || height == nil || *weight <= 0 || *height <= 0 {
		return 0, false
	}
	bmi := *weight / (*height * *height) * 10000
	return math.Round(bmi*100) / 100, true
}

func labOrderKey(o LabOrder) string {
	return strings.ToLower(strings.TrimSpace(o.TestName)) + "|" + strings.ToLower(strings.TrimSpace(o.Category))
}

func mergeLabOrders(existing, incoming []LabOrder) []LabOrder {
	if len(incoming) == 0 {
		return existing
	}
	seen := make(map[string]bool, len(existing)+len(incoming))
	out := make([]LabOrder, 0, len(existing)+len(incoming))
	for _, o := range existing {
		seen[labOrderKey(o)] = true
		out = append(out, o)
	}
	for _, o := range incoming {
		o.TestName = strings.TrimSpace(o.TestName)
		k := labOrderKey(o)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, o)
	}
	return out
}

func prescriptionKey(rx Prescription) string {
	return strings.ToLower(strings.Join([]string{
		strings.TrimSpace(rx.Medication),
		strings.TrimSpace(rx.Dosage),
		strings.TrimSpace(rx.Frequency),
	}, "|"))
}

func mergePrescriptions(existing, incoming []Prescription) []Prescription {
	if len(incoming) == 0 {
		return existing
	}
	seen := make(map[string]bool, len(existing)+len(incoming))
	out := make([]Prescription, 0, len(existing)+len(incoming))
	for _, rx := range existing {
		seen[prescriptionKey(rx)] = true
		out = append(out, rx)
	}
	for _, rx := range incoming {
		rx.Medication = strings.TrimSpace(rx.Medication)
		k := prescriptionKey(rx)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, rx)
	}
	return out
}

// LabOrdersFor returns the deduplicated lab orders placed on v so far.
func LabOrdersFor(v *Visit) []LabOrder {
	var orders []LabOrder
	for _, rec := range v.History {
		orders = mergeLabOrders(orders, rec.LabOrders)
	}
	if rec := v.Stages[StageDoctor]; rec != nil {
		orders = mergeLabOrders(orders, rec.LabOrders)
	}
	return orders
}
