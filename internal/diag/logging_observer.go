package diag

import (
	"fmt"

	"github.com/dipatid/cpp-client-telemetry/internal/logging"
)

// LoggingObserver renders every notification as a DiagnosticLog entry
// through the shared diagnostic logger.
type LoggingObserver struct {
	log *logging.Logger
}

// NewLoggingObserver wraps a *logging.Logger as an Observer.
func NewLoggingObserver(log *logging.Logger) *LoggingObserver {
	return &LoggingObserver{log: log}
}

func (o *LoggingObserver) OnStorageOpened(backend string) {
	o.log.Log(&logging.DiagnosticLog{Kind: "storage_opened", Message: backend, Success: true})
}

func (o *LoggingObserver) OnStorageRecordsDropped(ids []string) {
	o.log.Log(&logging.DiagnosticLog{
		Kind: "storage_records_dropped", RecordIDs: ids,
		Message: fmt.Sprintf("%d record(s) dropped", len(ids)),
	})
}

func (o *LoggingObserver) OnTransportError(tenant string, statusCode int, err error) {
	entry := &logging.DiagnosticLog{
		Kind: "transport_error", Tenant: tenant, StatusCode: statusCode,
		Message: "upload attempt failed",
	}
	if err != nil {
		entry.Error = err.Error()
	}
	o.log.Log(entry)
}

func (o *LoggingObserver) OnRetryExhausted(tenant string, ids []string) {
	o.log.Log(&logging.DiagnosticLog{
		Kind: "retry_exhausted", Tenant: tenant, RecordIDs: ids,
		Message: fmt.Sprintf("%d record(s) dropped after exceeding max_retry_count", len(ids)),
	})
}

func (o *LoggingObserver) OnRecordsPoisoned(tenant string, statusCode int, ids []string) {
	o.log.Log(&logging.DiagnosticLog{
		Kind: "records_poisoned", Tenant: tenant, StatusCode: statusCode, RecordIDs: ids,
		Message: fmt.Sprintf("%d record(s) rejected by collector as unrecoverable", len(ids)),
	})
}

func (o *LoggingObserver) OnTenantPaused(tenant string) {
	o.log.Log(&logging.DiagnosticLog{Kind: "tenant_paused", Tenant: tenant, Message: "transmission paused"})
}

func (o *LoggingObserver) OnTenantResumed(tenant string) {
	o.log.Log(&logging.DiagnosticLog{Kind: "tenant_resumed", Tenant: tenant, Message: "transmission resumed", Success: true})
}
