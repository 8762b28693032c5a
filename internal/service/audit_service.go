package service

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/GoPolymarket/mmengine/internal/model"
	"github.com/GoPolymarket/mmengine/internal/pkg/logger"
)

type AuditService struct {
	logChan chan *model.AuditLog
	logFile *os.File
	buffer  *auditBuffer
	repo    AuditRepo
	wg      sync.WaitGroup
}

type AuditRepo interface {
	Insert(ctx context.Context, entry *model.AuditLog) error
	List(ctx context.Context, filter model.AuditFilter) ([]*model.AuditLog, error)
}

// NewAuditService keeps the latest entries in memory and forwards them to
// repo. An empty logDir disables the JSONL file.
func NewAuditService(logDir string, bufferSize int, repo AuditRepo) (*AuditService, error) {
	svc := &AuditService{
		logChan: make(chan *model.AuditLog, 1000),
		buffer:  newAuditBuffer(bufferSize),
		repo:    repo,
	}
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return nil, err
		}
		// 按启动日期命名的 JSONL 文件
		filename := filepath.Join(logDir, "audit-"+time.Now().Format("2006-01-02")+".jsonl")
		f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, err
		}
		svc.logFile = f
	}

	svc.wg.Add(1)
	go svc.processLogs()
	return svc, nil
}

func (s *AuditService) Log(entry *model.AuditLog) {
	if s.buffer != nil {
		s.buffer.Add(entry)
	}
	select {
	case s.logChan <- entry:
	default:
		// 队列已满时丢弃, 不阻塞请求
		logger.Warn("audit queue full, dropping entry", "path", entry.Path, "operator_id", entry.OperatorID)
	}
}

func (s *AuditService) List(ctx context.Context, filter model.AuditFilter) ([]*model.AuditLog, error) {
	if s.repo != nil {
		records, err := s.repo.List(ctx, filter)
		if err == nil {
			return records, nil
		}
		logger.Warn("audit repo list failed, serving from memory", "error", err)
	}
	return s.buffer.List(filter), nil
}

func (s *AuditService) processLogs() {
	defer s.wg.Done()
	var encoder *json.Encoder
	if s.logFile != nil {
		encoder = json.NewEncoder(s.logFile)
	}
	for entry := range s.logChan {
		if s.repo != nil {
			if err := s.repo.Insert(context.Background(), entry); err != nil {
				logger.Error("write audit entry failed", "error", err)
			}
		}
		if encoder != nil {
			if err := encoder.Encode(entry); err != nil {
				logger.Error("write audit file failed", "error", err)
			}
		}
	}
}

// Close drains the queue.
func (s *AuditService) Close() {
	close(s.logChan)
	s.wg.Wait()
	if s.logFile != nil {
		_ = s.logFile.Close()
	}
}

type auditBuffer struct {
	mu        sync.Mutex
	maxSize   int
	records   []*model.AuditLog
	nextIndex int
}

func newAuditBuffer(maxSize int) *auditBuffer {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &auditBuffer{
		maxSize: maxSize,
		records: make([]*model.AuditLog, 0, maxSize),
	}
}

func (b *auditBuffer) Add(entry *model.AuditLog) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.records) < b.maxSize {
		b.records = append(b.records, entry)
		return
	}
	b.records[b.nextIndex] = entry
	b.nextIndex = (b.nextIndex + 1) % b.maxSize
}

// List returns newest first.
func (b *auditBuffer) List(f model.AuditFilter) []*model.AuditLog {
	b.mu.Lock()
	defer b.mu.Unlock()
	limit := f.Limit
	if limit <= 0 || limit > b.maxSize {
		limit = b.maxSize
	}
	results := make([]*model.AuditLog, 0, limit)
	total := len(b.records)
	for i := 0; i < total; i++ {
		idx := (b.nextIndex + total - 1 - i) % total
		entry := b.records[idx]
		if entry == nil || !matchAudit(entry, f) {
			continue
		}
		results = append(results, entry)
		if len(results) >= limit {
			break
		}
	}
	return results
}

func matchAudit(entry *model.AuditLog, f model.AuditFilter) bool {
	if f.OperatorID != "" && entry.OperatorID != f.OperatorID {
		return false
	}
	if f.From != nil && entry.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && entry.CreatedAt.After(*f.To) {
		return false
	}
	return true
}
