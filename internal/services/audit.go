package services

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/hospitalgate/authgate/internal/models"
	"github.com/hospitalgate/authgate/internal/store"
	"github.com/hospitalgate/authgate/internal/util"

	"github.com/google/uuid"
)

const auditBatchSize = 100

// AuditLogEntry represents the data needed to create an audit log entry
type AuditLogEntry struct {
	EventType      models.EventType
	Severity       models.EventSeverity
	OrganizationID string
	ClientID       string
	ActorUserID    string
	ActorUsername  string
	ActorIP        string
	ResourceType   models.ResourceType
	ResourceID     string
	ResourceName   string
	Action         string
	Details        models.AuditDetails
	Success        bool
	ErrorMessage   string
	UserAgent      string
	RequestPath    string
	RequestMethod  string
}

// AuditService writes the compliance audit trail. Routine events are
// buffered and written in batches; PHI decisions go through LogSync so the
// caller can refuse access when the record cannot be persisted.
type AuditService struct {
	store      *store.Store
	enabled    bool
	bufferSize int
	forwarder  *AuditForwarder

	logChan chan *models.AuditLog

	batchBuffer []*models.AuditLog
	batchMutex  sync.Mutex
	batchTicker *time.Ticker

	wg           sync.WaitGroup
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// NewAuditService creates a new audit service. forwarder may be nil.
func NewAuditService(
	s *store.Store,
	enabled bool,
	bufferSize int,
	forwarder *AuditForwarder,
) *AuditService {
	if bufferSize <= 0 {
		bufferSize = 1000
	}

	service := &AuditService{
		store:       s,
		enabled:     enabled,
		bufferSize:  bufferSize,
		forwarder:   forwarder,
		logChan:     make(chan *models.AuditLog, bufferSize),
		batchBuffer: make([]*models.AuditLog, 0, auditBatchSize),
		shutdownCh:  make(chan struct{}),
	}

	if enabled {
		service.batchTicker = time.NewTicker(time.Second)
		service.wg.Add(1)
		go service.worker()
		log.Printf("[Audit] Service started with buffer size %d", bufferSize)
	} else {
		log.Println("[Audit] Asynchronous audit logging is disabled")
	}

	return service
}

func (s *AuditService) worker() {
	defer s.wg.Done()

	for {
		select {
		case entry := <-s.logChan:
			s.addToBatch(entry)

		case <-s.batchTicker.C:
			s.flushBatch()

		case <-s.shutdownCh:
			// Drain whatever is still queued
			for {
				select {
				case entry := <-s.logChan:
					s.addToBatch(entry)
				default:
					s.flushBatch()
					return
				}
			}
		}
	}
}

func (s *AuditService) addToBatch(entry *models.AuditLog) {
	s.batchMutex.Lock()
	defer s.batchMutex.Unlock()

	s.batchBuffer = append(s.batchBuffer, entry)
	if len(s.batchBuffer) >= auditBatchSize {
		s.flushBatchUnsafe()
	}
}

func (s *AuditService) flushBatch() {
	s.batchMutex.Lock()
	defer s.batchMutex.Unlock()
	s.flushBatchUnsafe()
}

// flushBatchUnsafe writes the buffer; caller must hold batchMutex
func (s *AuditService) flushBatchUnsafe() {
	if len(s.batchBuffer) == 0 {
		return
	}

	toWrite := make([]*models.AuditLog, len(s.batchBuffer))
	copy(toWrite, s.batchBuffer)
	s.batchBuffer = s.batchBuffer[:0]

	if err := s.store.CreateAuditLogBatch(context.Background(), toWrite); err != nil {
		log.Printf("[Audit] Failed to write audit log batch of %d: %v", len(toWrite), err)
	}
}

// Log records an audit log entry asynchronously. Entries are dropped with a
// warning when the buffer is full.
func (s *AuditService) Log(ctx context.Context, entry AuditLogEntry) {
	if !s.enabled {
		return
	}

	auditLog := s.buildAuditLog(ctx, entry)
	s.forward(auditLog)

	select {
	case s.logChan <- auditLog:
	default:
		log.Printf("[Audit] WARNING: buffer full, dropping event %s: %s", entry.EventType, entry.Action)
	}
}

// LogSync writes an entry before returning. It is used for records that
// gate an access decision and is never skipped, even when asynchronous
// logging is disabled.
func (s *AuditService) LogSync(ctx context.Context, entry AuditLogEntry) error {
	auditLog := s.buildAuditLog(ctx, entry)
	if err := s.store.CreateAuditLog(ctx, auditLog); err != nil {
		return fmt.Errorf("failed to write audit record: %w", err)
	}
	s.forward(auditLog)
	return nil
}

func (s *AuditService) buildAuditLog(ctx context.Context, entry AuditLogEntry) *models.AuditLog {
	if entry.ActorIP == "" {
		entry.ActorIP = util.GetIPFromContext(ctx)
	}
	if entry.UserAgent == "" {
		entry.UserAgent = util.GetUserAgentFromContext(ctx)
	}
	if entry.ActorUsername == "" {
		entry.ActorUsername = models.GetUsernameFromContext(ctx)
	}
	if entry.ActorUserID == "" {
		entry.ActorUserID = models.GetUserIDFromContext(ctx)
	}
	if entry.Severity == "" {
		entry.Severity = models.SeverityInfo
	}

	now := time.Now()
	return &models.AuditLog{
		ID:             uuid.New().String(),
		EventType:      entry.EventType,
		EventTime:      now,
		Severity:       entry.Severity,
		OrganizationID: entry.OrganizationID,
		ClientID:       entry.ClientID,
		ActorUserID:    entry.ActorUserID,
		ActorUsername:  entry.ActorUsername,
		ActorIP:        entry.ActorIP,
		ResourceType:   entry.ResourceType,
		ResourceID:     entry.ResourceID,
		ResourceName:   entry.ResourceName,
		Action:         entry.Action,
		Details:        maskSensitiveDetails(entry.Details),
		Success:        entry.Success,
		ErrorMessage:   entry.ErrorMessage,
		UserAgent:      entry.UserAgent,
		RequestPath:    entry.RequestPath,
		RequestMethod:  entry.RequestMethod,
		CreatedAt:      now,
	}
}

func (s *AuditService) forward(entry *models.AuditLog) {
	if s.forwarder != nil && shouldForward(entry) {
		s.forwarder.Enqueue(entry)
	}
}

// shouldForward selects the events sent to the external compliance sink:
// patient data access and anything at warning severity or above.
func shouldForward(entry *models.AuditLog) bool {
	if entry.ResourceType == models.ResourcePatientData {
		return true
	}
	switch entry.Severity {
	case models.SeverityWarning, models.SeverityError, models.SeverityCritical:
		return true
	}
	return false
}

// GetAuditLogs retrieves audit logs with pagination and filtering
func (s *AuditService) GetAuditLogs(
	ctx context.Context,
	params store.PaginationParams,
	filters store.AuditLogFilters,
) ([]models.AuditLog, store.PaginationResult, error) {
	return s.store.GetAuditLogsPaginated(ctx, params, filters)
}

// GetAuditLogStats returns statistics about audit logs
func (s *AuditService) GetAuditLogStats(
	ctx context.Context,
	filters store.AuditLogFilters,
) (store.AuditLogStats, error) {
	return s.store.GetAuditLogStats(ctx, filters)
}

// CleanupOldLogs deletes audit logs older than the retention period
func (s *AuditService) CleanupOldLogs(ctx context.Context, retention time.Duration) (int64, error) {
	return s.store.DeleteOldAuditLogs(ctx, time.Now().Add(-retention))
}

// Shutdown flushes buffered entries and stops the worker and forwarder
func (s *AuditService) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		if s.enabled {
			s.batchTicker.Stop()
			close(s.shutdownCh)

			done := make(chan struct{})
			go func() {
				s.wg.Wait()
				close(done)
			}()

			select {
			case <-done:
				log.Println("[Audit] Service shut down gracefully")
			case <-ctx.Done():
				err = fmt.Errorf("audit service shutdown timeout: %w", ctx.Err())
				return
			}
		}

		if s.forwarder != nil {
			err = s.forwarder.Shutdown(ctx)
		}
	})
	return err
}

// maskSensitiveDetails masks sensitive information in audit log details
func maskSensitiveDetails(details models.AuditDetails) models.AuditDetails {
	if details == nil {
		return details
	}

	masked := make(models.AuditDetails, len(details))
	for key, value := range details {
		if isPartialMaskField(key) {
			if str, ok := value.(string); ok && len(str) > 12 {
				masked[key] = str[:8] + "..." + str[len(str)-4:]
				continue
			}
		}

		if isSensitiveField(key) {
			masked[key] = "***REDACTED***"
			continue
		}

		masked[key] = value
	}

	return masked
}

var sensitiveFields = []string{
	"password",
	"secret",
	"access_token",
	"refresh_token",
	"token",
	"code_verifier",
	"authorization_code",
}

var partialMaskFields = []string{
	"token_id",
	"code_id",
}

func isSensitiveField(key string) bool {
	key = strings.ToLower(key)
	for _, field := range sensitiveFields {
		if strings.Contains(key, field) {
			return true
		}
	}
	return false
}

func isPartialMaskField(key string) bool {
	key = strings.ToLower(key)
	for _, field := range partialMaskFields {
		if strings.Contains(key, field) {
			return true
		}
	}
	return false
}
