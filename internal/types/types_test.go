package types

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestValidTable(t *testing.T) {
	for _, table := range SyncedTables {
		if !ValidTable(table) {
			t.Errorf("expected %q to be a valid table", table)
		}
	}
	if ValidTable("breeding_records") {
		t.Error("expected unknown table to be invalid")
	}
}

func TestValidOperation(t *testing.T) {
	for _, op := range []Operation{OperationCreate, OperationUpdate, OperationDelete} {
		if !ValidOperation(op) {
			t.Errorf("expected %q to be valid", op)
		}
	}
	if ValidOperation("upsert") {
		t.Error("expected unknown operation to be invalid")
	}
}

func TestDecodePayload_PerTable(t *testing.T) {
	now := time.Now().UTC()

	cases := []struct {
		name  string
		table Table
		value any
	}{
		{"animal", TableAnimals, Animal{ID: "a1", TenantID: "t1", TagNumber: "NL-4411", Status: "active", UpdatedAt: now}},
		{"milk log", TableMilkLogs, MilkLog{ID: "m1", TenantID: "t1", AnimalID: "a1", Session: "morning", Liters: 12.4, LoggedAt: now, UpdatedAt: now}},
		{"health record", TableHealthRecords, HealthRecord{ID: "h1", TenantID: "t1", AnimalID: "a1", Kind: "treatment", Medicine: "oxytetracycline", RecordedAt: now, UpdatedAt: now}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := json.Marshal(tc.value)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			decoded, err := DecodePayload(tc.table, raw)
			if err != nil {
				t.Fatalf("DecodePayload: %v", err)
			}
			if decoded == nil {
				t.Fatal("expected decoded record")
			}
		})
	}
}

func TestDecodePayload_UnknownTable(t *testing.T) {
	_, err := DecodePayload("finances", json.RawMessage(`{}`))
	if !errors.Is(err, ErrUnknownTable) {
		t.Fatalf("expected ErrUnknownTable, got %v", err)
	}
}

func TestDecodePayload_EmptyPayload(t *testing.T) {
	_, err := DecodePayload(TableAnimals, nil)
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestMergePatch_OverlaysTopLevelFields(t *testing.T) {
	base := json.RawMessage(`{"id":"a1","name":"Clara","liters":10}`)
	patch := json.RawMessage(`{"liters":12.5,"session":"evening"}`)

	merged, err := MergePatch(base, patch)
	if err != nil {
		t.Fatalf("MergePatch: %v", err)
	}

	var out map[string]any
	if err := json.Unmarshal(merged, &out); err != nil {
		t.Fatalf("unmarshal merged: %v", err)
	}
	if out["id"] != "a1" {
		t.Errorf("id clobbered: %v", out["id"])
	}
	if out["liters"] != 12.5 {
		t.Errorf("liters not patched: %v", out["liters"])
	}
	if out["session"] != "evening" {
		t.Errorf("session not added: %v", out["session"])
	}
}

func TestMergePatch_InvalidPatch(t *testing.T) {
	if _, err := MergePatch(json.RawMessage(`{}`), json.RawMessage(`not json`)); err == nil {
		t.Fatal("expected error for malformed patch")
	}
}
