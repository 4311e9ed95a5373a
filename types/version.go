package types

// Version is the canonical project version.
// The CLI, the history record contract, and the notification payloads
// share this version.
const Version = "0.3.0"

// RecordContractVersion tags persisted run records and notifications.
// Bump when the shape of history.Record or adapter.PipelineCompletedEvent changes.
const RecordContractVersion = "1"
