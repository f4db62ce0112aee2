package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/bachixxx/coachbilling/internal/billing/model"
	"github.com/bachixxx/coachbilling/internal/billing/store"
)

var (
	ErrDisabled   = errors.New("snapshots not configured")
	ErrInProgress = errors.New("snapshot already running")
	ErrNotFound   = errors.New("snapshot not found")
)

// s3Client is an interface for testability.
type s3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Config holds S3-compatible storage configuration.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
}

func (c S3Config) complete() bool {
	return c.Bucket != "" && c.AccessKey != "" && c.SecretKey != ""
}

type Config struct {
	S3         S3Config
	Passphrase string
	// Prefix is prepended to every object key. Defaults to "ledger".
	Prefix    string
	Retention time.Duration
}

type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateDisabled State = "disabled"
	StateError    State = "error"
)

type Status struct {
	State        State      `json:"state"`
	LastSnapshot *time.Time `json:"last_snapshot,omitempty"`
	LastSize     int64      `json:"last_size_bytes,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// StatusCallback is called whenever the manager state changes.
type StatusCallback func(Status)

// Manager uploads encrypted copies of the billing ledger to S3-compatible
// storage and prunes them after the retention period.
type Manager struct {
	mu       sync.Mutex
	cfg      Config
	status   Status
	callback StatusCallback
	running  bool

	db        *sql.DB
	snapshots *store.SnapshotStore
	client    s3Client
	logger    *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager returns a manager that is disabled unless both storage
// credentials and an encryption passphrase are configured.
func NewManager(cfg Config, db *sql.DB, snapshots *store.SnapshotStore, callback StatusCallback, logger *slog.Logger) *Manager {
	if cfg.Prefix == "" {
		cfg.Prefix = "ledger"
	}
	m := &Manager{
		cfg:       cfg,
		db:        db,
		snapshots: snapshots,
		callback:  callback,
		logger:    logger,
		status:    Status{State: StateDisabled},
	}
	if cfg.S3.complete() && cfg.Passphrase != "" {
		m.client = newS3Client(cfg.S3)
		m.status.State = StateIdle
	}
	return m
}

func newS3Client(cfg S3Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

func (m *Manager) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client != nil
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
	if m.callback != nil {
		m.callback(s)
	}
}

// Start runs a snapshot and a retention sweep every interval until ctx is
// cancelled or Stop is called. It is a no-op when the manager is disabled.
func (m *Manager) Start(ctx context.Context, interval time.Duration) {
	m.mu.Lock()
	if m.client == nil || m.done != nil {
		m.mu.Unlock()
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.Run(ctx); err != nil {
					m.logger.Error("scheduled snapshot failed", "error", err)
				}
				if err := m.Cleanup(ctx); err != nil {
					m.logger.Error("snapshot cleanup failed", "error", err)
				}
			}
		}
	}()
}

// Stop cancels the schedule and waits for an in-flight run to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Run takes a consistent copy of the database, encrypts it and uploads it.
// Only one run may be in flight.
func (m *Manager) Run(ctx context.Context) (*model.Snapshot, error) {
	m.mu.Lock()
	client := m.client
	if client == nil {
		m.mu.Unlock()
		return nil, ErrDisabled
	}
	if m.running {
		m.mu.Unlock()
		return nil, ErrInProgress
	}
	m.running = true
	last := m.status
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	m.setStatus(Status{State: StateRunning, LastSnapshot: last.LastSnapshot, LastSize: last.LastSize})

	filename := fmt.Sprintf("ledger-%s-%s.db.enc", time.Now().UTC().Format("2006-01-02T150405Z"), uuid.NewString()[:8])
	key := m.cfg.Prefix + "/" + filename

	record, err := m.snapshots.Create(ctx, filename, key)
	if err != nil {
		m.setStatus(Status{State: StateError, Error: err.Error(), LastSnapshot: last.LastSnapshot, LastSize: last.LastSize})
		return nil, fmt.Errorf("create snapshot record: %w", err)
	}

	size, err := m.upload(ctx, client, key)
	if err != nil {
		if markErr := m.snapshots.MarkFailed(ctx, record.ID, err.Error()); markErr != nil {
			m.logger.Error("mark snapshot failed", "id", record.ID, "error", markErr)
		}
		m.setStatus(Status{State: StateError, Error: err.Error(), LastSnapshot: last.LastSnapshot, LastSize: last.LastSize})
		return nil, err
	}

	if err := m.snapshots.MarkCompleted(ctx, record.ID, size); err != nil {
		return nil, fmt.Errorf("mark snapshot completed: %w", err)
	}
	now := time.Now().UTC()
	m.setStatus(Status{State: StateIdle, LastSnapshot: &now, LastSize: size})
	m.logger.Info("snapshot uploaded", "key", key, "size_bytes", size)

	return m.snapshots.GetByID(ctx, record.ID)
}

func (m *Manager) upload(ctx context.Context, client s3Client, key string) (int64, error) {
	dir, err := os.MkdirTemp("", "billing-snapshot-")
	if err != nil {
		return 0, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	dbCopy := filepath.Join(dir, "ledger.db")
	encFile := dbCopy + ".enc"

	// VACUUM INTO writes a transactionally consistent copy, WAL included.
	if _, err := m.db.ExecContext(ctx, `VACUUM INTO ?`, dbCopy); err != nil {
		return 0, fmt.Errorf("copy database: %w", err)
	}

	if err := EncryptFile(dbCopy, encFile, m.cfg.Passphrase); err != nil {
		return 0, fmt.Errorf("encrypt: %w", err)
	}

	f, err := os.Open(encFile)
	if err != nil {
		return 0, fmt.Errorf("open encrypted file: %w", err)
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat encrypted file: %w", err)
	}

	if _, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.cfg.S3.Bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(stat.Size()),
	}); err != nil {
		return 0, fmt.Errorf("upload to s3: %w", err)
	}
	return stat.Size(), nil
}

// Download streams a stored snapshot, still encrypted.
func (m *Manager) Download(ctx context.Context, id int64) (io.ReadCloser, int64, error) {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil {
		return nil, 0, ErrDisabled
	}

	record, err := m.snapshots.GetByID(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	if record == nil || record.Status != model.SnapshotCompleted {
		return nil, 0, ErrNotFound
	}

	result, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.cfg.S3.Bucket),
		Key:    aws.String(record.S3Key),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("download from s3: %w", err)
	}
	return result.Body, record.SizeBytes, nil
}

// Cleanup deletes snapshots older than the retention period. A zero
// retention keeps everything.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil || m.cfg.Retention <= 0 {
		return nil
	}

	keys, err := m.snapshots.DeleteOlderThan(ctx, time.Now().Add(-m.cfg.Retention))
	if err != nil {
		return err
	}
	for _, key := range keys {
		if _, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(m.cfg.S3.Bucket),
			Key:    aws.String(key),
		}); err != nil {
			m.logger.Warn("delete snapshot object", "key", key, "error", err)
		}
	}
	if len(keys) > 0 {
		m.logger.Info("pruned snapshots", "count", len(keys))
	}
	return nil
}
