package backup

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/bachixxx/coachbilling/internal/billing/database"
	"github.com/bachixxx/coachbilling/internal/billing/model"
	"github.com/bachixxx/coachbilling/internal/billing/store"
)

// mockS3Client implements s3Client for testing.
type mockS3Client struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
	deleted []string
}

func newMockS3() *mockS3Client {
	return &mockS3Client{objects: make(map[string][]byte)}
}

func (m *mockS3Client) PutObject(_ context.Context, input *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	data, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[*input.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3Client) GetObject(_ context.Context, input *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[*input.Key]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *mockS3Client) DeleteObject(_ context.Context, input *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, *input.Key)
	m.deleted = append(m.deleted, *input.Key)
	return &s3.DeleteObjectOutput{}, nil
}

const testPassphrase = "correct horse"

var enabledConfig = Config{
	S3:         S3Config{Bucket: "billing", AccessKey: "key", SecretKey: "secret", Region: "us-east-1"},
	Passphrase: testPassphrase,
	Retention:  24 * time.Hour,
}

type testEnv struct {
	db      *sql.DB
	gw      *store.Gateway
	client  *mockS3Client
	m       *Manager
	updates []Status
}

func setupManager(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	env := &testEnv{db: db, gw: store.NewGateway(db), client: newMockS3()}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env.m = NewManager(enabledConfig, db, env.gw.Stores().Snapshots, func(s Status) {
		env.updates = append(env.updates, s)
	}, logger)
	env.m.client = env.client
	return env
}

func TestManagerEnabled(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tests := []struct {
		name string
		cfg  Config
		want State
	}{
		{"nothing configured", Config{}, StateDisabled},
		{"no passphrase", Config{S3: enabledConfig.S3}, StateDisabled},
		{"no secret key", Config{S3: S3Config{Bucket: "b", AccessKey: "k"}, Passphrase: "p"}, StateDisabled},
		{"complete", enabledConfig, StateIdle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(tt.cfg, nil, nil, nil, logger)
			if got := m.Status().State; got != tt.want {
				t.Errorf("state = %q, want %q", got, tt.want)
			}
			if m.Enabled() != (tt.want == StateIdle) {
				t.Errorf("enabled = %v", m.Enabled())
			}
		})
	}
}

func TestRunUploadsDecryptableLedger(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()
	if _, err := env.gw.Stores().Coaches.Create(ctx, "c1", "c1@example.com"); err != nil {
		t.Fatalf("create coach: %v", err)
	}

	snap, err := env.m.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if snap.Status != model.SnapshotCompleted {
		t.Errorf("status = %q, want %q", snap.Status, model.SnapshotCompleted)
	}
	sealed, ok := env.client.objects[snap.S3Key]
	if !ok {
		t.Fatalf("object %s not uploaded", snap.S3Key)
	}
	if int64(len(sealed)) != snap.SizeBytes {
		t.Errorf("size = %d, want %d", snap.SizeBytes, len(sealed))
	}
	if filepath.Dir(snap.S3Key) != "ledger" {
		t.Errorf("key = %q, want ledger/ prefix", snap.S3Key)
	}

	plaintext, err := Open(sealed, testPassphrase)
	if err != nil {
		t.Fatalf("open snapshot: %v", err)
	}
	path := filepath.Join(t.TempDir(), "restored.db")
	if err := os.WriteFile(path, plaintext, 0o600); err != nil {
		t.Fatalf("write restored: %v", err)
	}
	restored, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open restored: %v", err)
	}
	defer restored.Close()
	var n int
	if err := restored.QueryRow(`SELECT COUNT(*) FROM coaches WHERE id = 'c1'`).Scan(&n); err != nil {
		t.Fatalf("query restored: %v", err)
	}
	if n != 1 {
		t.Errorf("restored coaches = %d, want 1", n)
	}

	if len(env.updates) != 2 || env.updates[0].State != StateRunning || env.updates[1].State != StateIdle {
		t.Errorf("status updates = %+v, want running then idle", env.updates)
	}
	if env.m.Status().LastSnapshot == nil {
		t.Error("expected last snapshot time")
	}
}

func TestRunUploadFailure(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()
	env.client.putErr = errors.New("connection reset")

	if _, err := env.m.Run(ctx); err == nil {
		t.Fatal("expected upload error")
	}
	if st := env.m.Status(); st.State != StateError || st.Error == "" {
		t.Errorf("status = %+v, want error state", st)
	}

	list, err := env.gw.Stores().Snapshots.List(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Status != model.SnapshotFailed {
		t.Errorf("records = %+v, want one failed snapshot", list)
	}

	// A failed run does not block the next one.
	env.client.putErr = nil
	if _, err := env.m.Run(ctx); err != nil {
		t.Fatalf("retry run: %v", err)
	}
}

func TestRunDisabled(t *testing.T) {
	m := NewManager(Config{}, nil, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, err := m.Run(context.Background()); !errors.Is(err, ErrDisabled) {
		t.Errorf("err = %v, want ErrDisabled", err)
	}
	if _, _, err := m.Download(context.Background(), 1); !errors.Is(err, ErrDisabled) {
		t.Errorf("download err = %v, want ErrDisabled", err)
	}
	if err := m.Cleanup(context.Background()); err != nil {
		t.Errorf("cleanup = %v, want nil", err)
	}
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	env := setupManager(t)
	env.m.running = true

	if _, err := env.m.Run(context.Background()); !errors.Is(err, ErrInProgress) {
		t.Errorf("err = %v, want ErrInProgress", err)
	}
}

func TestDownload(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()

	snap, err := env.m.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	body, size, err := env.m.Download(ctx, snap.ID)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	defer body.Close()
	data, _ := io.ReadAll(body)
	if int64(len(data)) != size || !bytes.Equal(data, env.client.objects[snap.S3Key]) {
		t.Error("downloaded bytes should match the uploaded object")
	}

	if _, _, err := env.m.Download(ctx, snap.ID+100); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing err = %v, want ErrNotFound", err)
	}
}

func TestCleanupDeletesExpiredObjects(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()

	old, err := env.m.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	fresh, err := env.m.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := env.db.Exec(`UPDATE snapshots SET started_at = '2020-01-01 00:00:00' WHERE id = ?`, old.ID); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	if err := env.m.Cleanup(ctx); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if len(env.client.deleted) != 1 || env.client.deleted[0] != old.S3Key {
		t.Errorf("deleted = %v, want [%s]", env.client.deleted, old.S3Key)
	}
	if _, ok := env.client.objects[fresh.S3Key]; !ok {
		t.Error("fresh snapshot object should survive")
	}
}

func TestStartStop(t *testing.T) {
	env := setupManager(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.m.Start(ctx, time.Hour)
	env.m.Start(ctx, time.Hour)
	env.m.Stop()
	env.m.Stop()

	disabled := NewManager(Config{}, nil, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	disabled.Start(ctx, time.Hour)
	disabled.Stop()
}
