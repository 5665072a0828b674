package types

import (
	"encoding/json"
	"time"
)

// Table identifies a synced entity table.
type Table string

const (
	TableAnimals       Table = "animals"
	TableMilkLogs      Table = "milk_logs"
	TableHealthRecords Table = "health_records"
)

// SyncedTables lists every table replicated between the local cache and the
// remote stores, in a stable order used by pull and reconciliation sweeps.
var SyncedTables = []Table{TableAnimals, TableMilkLogs, TableHealthRecords}

// ValidTable reports whether t names a synced table.
func ValidTable(t Table) bool {
	switch t {
	case TableAnimals, TableMilkLogs, TableHealthRecords:
		return true
	}
	return false
}

// Operation identifies a queued mutation kind.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// ValidOperation reports whether op is a known mutation operation.
func ValidOperation(op Operation) bool {
	switch op {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// Animal is a herd member record.
type Animal struct {
	ID        string     `json:"id"`
	TenantID  string     `json:"tenant_id"`
	TagNumber string     `json:"tag_number"`
	Name      string     `json:"name,omitempty"`
	Breed     string     `json:"breed,omitempty"`
	BirthDate *time.Time `json:"birth_date,omitempty"`
	Status    string     `json:"status"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// MilkLog is a single milking session measurement for one animal.
type MilkLog struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	AnimalID  string    `json:"animal_id"`
	Session   string    `json:"session"` // "morning" or "evening"
	Liters    float64   `json:"liters"`
	LoggedAt  time.Time `json:"logged_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HealthRecord is a treatment, vaccination, or checkup entry for one animal.
type HealthRecord struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	AnimalID   string    `json:"animal_id"`
	Kind       string    `json:"kind"` // "treatment", "vaccination", "checkup"
	Medicine   string    `json:"medicine,omitempty"`
	Dose       string    `json:"dose,omitempty"`
	Notes      string    `json:"notes,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// CachedRecord is the local-cache envelope around a domain record. The payload
// holds the domain fields; the envelope carries the sync-control attributes.
// A record with Deleted=true is excluded from reads but retained until its
// delete mutation is confirmed remotely.
type CachedRecord struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenant_id"`
	Table        Table           `json:"table"`
	Payload      json.RawMessage `json:"payload"`
	Synced       bool            `json:"synced"`
	LastModified time.Time       `json:"last_modified"`
	Deleted      bool            `json:"deleted,omitempty"`
}

// Mutation is one pending local change awaiting confirmation from the remote
// store. Mutations for a tenant are applied remotely in enqueue order.
type Mutation struct {
	ID         string          `json:"id"`
	Seq        int64           `json:"seq"`
	TenantID   string          `json:"tenant_id"`
	Table      Table           `json:"table"`
	Operation  Operation       `json:"operation"`
	RecordID   string          `json:"record_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	RetryCount int             `json:"retry_count"`
}

// SyncStatus is the per-tenant sync-control row. SyncInProgress is persisted
// so a restart does not start a duplicate drain; StartedAt bounds the lease.
type SyncStatus struct {
	TenantID         string    `json:"tenant_id"`
	LastSync         time.Time `json:"last_sync"`
	IsOnline         bool      `json:"is_online"`
	PendingMutations int       `json:"pending_mutations"`
	SyncInProgress   bool      `json:"sync_in_progress"`
	StartedAt        time.Time `json:"started_at,omitempty"`
}

// RemoteRow is the opaque row shape both remote targets exchange: the domain
// payload addressed by table name and row id, tenant scoped.
type RemoteRow struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updated_at"`
}
