package audit

import (
	"context"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/relaychat/server/model"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	queueSize     = 1024
	batchSize     = 100
	flushInterval = 2 * time.Second
	defaultRecent = 100
	maxRecent     = 500
)

// Entry is one mutating operation to be recorded.
type Entry struct {
	TraceID  string
	UserID   int64
	Username string
	Action   string
	Request  any
	Response any
	Err      error
	IP       string
	Duration time.Duration
}

// Service writes audit rows asynchronously in batches.
type Service struct {
	db       *gorm.DB
	ch       chan *model.AuditLog
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *zap.Logger
}

// New creates a Service and starts its background worker.
func New(db *gorm.DB, logger *zap.Logger) *Service {
	svc := &Service{
		db:     db,
		ch:     make(chan *model.AuditLog, queueSize),
		stopCh: make(chan struct{}),
		logger: logger,
	}
	svc.wg.Add(1)
	go svc.worker()
	return svc
}

func encode(v any) datatypes.JSON {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}

// Log enqueues an entry. It never blocks; entries are dropped when the
// queue is full or the service has stopped.
func (svc *Service) Log(e Entry) {
	record := &model.AuditLog{
		TraceID:    e.TraceID,
		Username:   e.Username,
		Action:     e.Action,
		Request:    encode(e.Request),
		Response:   encode(e.Response),
		IP:         e.IP,
		DurationMs: int(e.Duration.Milliseconds()),
	}
	if e.UserID != 0 {
		uid := e.UserID
		record.UserID = &uid
	}
	if e.Err != nil {
		record.Error = e.Err.Error()
	}

	select {
	case <-svc.stopCh:
		return
	default:
	}
	select {
	case svc.ch <- record:
	default:
		svc.logger.Warn("audit channel full, dropping entry",
			zap.String("action", e.Action),
			zap.String("trace_id", e.TraceID))
	}
}

// Recent returns the newest audit rows, optionally filtered by username.
// A non-positive limit means defaultRecent; larger ones are capped at maxRecent.
func (svc *Service) Recent(ctx context.Context, username string, limit int) ([]model.AuditLog, error) {
	switch {
	case limit <= 0:
		limit = defaultRecent
	case limit > maxRecent:
		limit = maxRecent
	}
	q := svc.db.WithContext(ctx).Order("id DESC").Limit(limit)
	if username != "" {
		q = q.Where("username = ?", username)
	}
	var rows []model.AuditLog
	return rows, q.Find(&rows).Error
}

// Stop flushes queued entries and waits for the worker to exit.
func (svc *Service) Stop(_ context.Context) {
	svc.stopOnce.Do(func() { close(svc.stopCh) })
	svc.wg.Wait()
}

func (svc *Service) worker() {
	defer svc.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*model.AuditLog, 0, batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := svc.db.Create(&batch).Error; err != nil {
			svc.logger.Error("audit batch write failed",
				zap.Int("rows", len(batch)),
				zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-svc.ch:
			batch = append(batch, rec)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-svc.stopCh:
			for {
				select {
				case rec := <-svc.ch:
					batch = append(batch, rec)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}
