package state

import "testing"

func TestObservationSetupSnapshotIsValueCopy(t *testing.T) {
	o := ObservationSetup{ProjectID: "TEST"}
	snap := o.Snapshot()
	o.ProjectID = "MUTATED"
	if snap.ProjectID != "TEST" {
		t.Fatalf("snapshot mutated after source changed: got %q", snap.ProjectID)
	}
}

func TestScanPointingBeamFieldNames(t *testing.T) {
	var s ScanPointing
	s.BeamRAJ[0] = 1.5
	s.BeamRAJ[12] = 9.5
	fields := s.Fields()

	want := map[string]float64{"MB01_raj": 1.5, "MB13_raj": 9.5}
	found := map[string]bool{}
	for _, f := range fields {
		if v, ok := want[f.Key]; ok {
			found[f.Key] = true
			if f.Value.(float64) != v {
				t.Errorf("field %s = %v, want %v", f.Key, f.Value, v)
			}
		}
	}
	for k := range want {
		if !found[k] {
			t.Errorf("missing field %s in Fields()", k)
		}
	}
}

func TestFirmwareConfigFieldsOrder(t *testing.T) {
	f := FirmwareConfig{Firmware: "hipsr_400_8192", AccLen: 2097152}
	fields := f.Fields()
	if fields[0].Key != "firmware" || fields[0].Value != "hipsr_400_8192" {
		t.Fatalf("unexpected first field: %+v", fields[0])
	}
	if fields[1].Key != "acc_len" || fields[1].Value != 2097152 {
		t.Fatalf("unexpected second field: %+v", fields[1])
	}
}
