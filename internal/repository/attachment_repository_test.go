package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"qatrack/internal/domain/attachment"
	qatrack_errors "qatrack/pkg/errors"
)

var attachmentColumns = []string{
	"id", "storage_key", "file_name", "file_size", "mime_type", "etag",
	"project_id", "entity_type", "entity_id", "uploader_id", "created_at",
}

func newRepoWithMock(t *testing.T) (AttachmentRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: db}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return NewAttachmentRepository(gdb), mock
}

func newRecord() *attachment.Record {
	entityID := uuid.New()
	return &attachment.Record{
		StorageKey: "attachments/defects/p/1700000000000-0011223344556677-shot.png",
		FileName:   "shot.png",
		FileSize:   1024,
		MimeType:   "image/png",
		ProjectID:  uuid.New(),
		EntityType: "defect",
		EntityID:   &entityID,
	}
}

func TestCreate_AssignsID(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	mock.ExpectExec(`(?s)^INSERT INTO "attachments"`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := newRecord()
	require.NoError(t, repo.Create(context.Background(), rec))
	assert.NotEqual(t, uuid.Nil, rec.ID)
	assert.False(t, rec.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate_DuplicateStorageKey(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	mock.ExpectExec(`(?s)^INSERT INTO "attachments"`).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := repo.Create(context.Background(), newRecord())
	assert.True(t, errors.Is(err, qatrack_errors.ErrAlreadyExists))
}

func TestCreate_DBErrorIsBackendFailure(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	mock.ExpectExec(`(?s)^INSERT INTO "attachments"`).
		WillReturnError(errors.New("connection reset"))

	err := repo.Create(context.Background(), newRecord())
	require.Error(t, err)
	assert.Equal(t, qatrack_errors.KindBackendUnavailable, qatrack_errors.KindOf(err))
}

func TestGetByID(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	id := uuid.New()
	projectID := uuid.New()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT \* FROM "attachments" WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows(attachmentColumns).AddRow(
			id.String(), "attachments/steps/k", "trace.log", int64(77), "text/plain", `"e"`,
			projectID.String(), "step", nil, nil, created,
		))

	rec, err := repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, rec.ID)
	assert.Equal(t, "trace.log", rec.FileName)
	assert.Equal(t, int64(77), rec.FileSize)
	assert.Nil(t, rec.EntityID)
	assert.False(t, rec.Linked())
}

func TestGetByID_NotFound(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	mock.ExpectQuery(`SELECT \* FROM "attachments" WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows(attachmentColumns))

	_, err := repo.GetByID(context.Background(), uuid.New())
	assert.True(t, errors.Is(err, qatrack_errors.ErrNotFound))
	assert.Equal(t, qatrack_errors.KindNotFound, qatrack_errors.KindOf(err))
}

func TestDelete_MissingRow(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	mock.ExpectExec(`DELETE FROM "attachments" WHERE id = \$1`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Delete(context.Background(), uuid.New())
	assert.True(t, errors.Is(err, qatrack_errors.ErrNotFound))
}

func TestDelete_Success(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	mock.ExpectExec(`DELETE FROM "attachments" WHERE id = \$1`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Delete(context.Background(), uuid.New()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListByEntity(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	entityID := uuid.New()
	projectID := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery(`(?s)SELECT \* FROM "attachments" WHERE entity_type = \$1 AND entity_id = \$2 ORDER BY created_at DESC`).
		WithArgs("test_case", entityID).
		WillReturnRows(sqlmock.NewRows(attachmentColumns).
			AddRow(uuid.NewString(), "k2", "b.pdf", int64(2), "application/pdf", "", projectID.String(), "test_case", entityID.String(), nil, now).
			AddRow(uuid.NewString(), "k1", "a.pdf", int64(1), "application/pdf", "", projectID.String(), "test_case", entityID.String(), nil, now.Add(-time.Minute)))

	records, err := repo.ListByEntity(context.Background(), "test_case", entityID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "b.pdf", records[0].FileName)
	assert.True(t, records[1].Linked())
}
