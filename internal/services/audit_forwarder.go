package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/hospitalgate/authgate/internal/models"

	retry "github.com/appleboy/go-httpretry"
)

// AuditForwarder ships selected audit records to an external compliance
// endpoint (SIEM). Delivery is best effort and never blocks the request
// path; the database remains the system of record.
type AuditForwarder struct {
	client *retry.Client
	url    string

	queue      chan *models.AuditLog
	wg         sync.WaitGroup
	shutdownCh chan struct{}
	once       sync.Once
}

// auditWebhookPayload is the JSON document posted per event
type auditWebhookPayload struct {
	Source string           `json:"source"`
	Event  *models.AuditLog `json:"event"`
}

func NewAuditForwarder(client *retry.Client, url string, bufferSize int) *AuditForwarder {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	f := &AuditForwarder{
		client:     client,
		url:        url,
		queue:      make(chan *models.AuditLog, bufferSize),
		shutdownCh: make(chan struct{}),
	}
	f.wg.Add(1)
	go f.worker()
	return f
}

// Enqueue schedules entry for delivery, dropping it if the queue is full
func (f *AuditForwarder) Enqueue(entry *models.AuditLog) {
	select {
	case f.queue <- entry:
	default:
		log.Printf("[AuditWebhook] WARNING: queue full, dropping event %s id=%s", entry.EventType, entry.ID)
	}
}

func (f *AuditForwarder) worker() {
	defer f.wg.Done()
	for {
		select {
		case entry := <-f.queue:
			f.deliver(entry)
		case <-f.shutdownCh:
			for {
				select {
				case entry := <-f.queue:
					f.deliver(entry)
				default:
					return
				}
			}
		}
	}
}

func (f *AuditForwarder) deliver(entry *models.AuditLog) {
	if err := f.Send(context.Background(), entry); err != nil {
		log.Printf("[AuditWebhook] Failed to deliver event %s id=%s: %v", entry.EventType, entry.ID, err)
	}
}

// Send posts one record synchronously
func (f *AuditForwarder) Send(ctx context.Context, entry *models.AuditLog) error {
	body, err := json.Marshal(auditWebhookPayload{Source: "hospitalgate", Event: entry})
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	resp, err := f.client.Post(ctx, f.url, retry.WithBody("application/json", bytes.NewBuffer(body)))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("audit webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// Shutdown delivers queued records and stops the worker
func (f *AuditForwarder) Shutdown(ctx context.Context) error {
	f.once.Do(func() { close(f.shutdownCh) })

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit webhook shutdown timeout: %w", ctx.Err())
	}
}
