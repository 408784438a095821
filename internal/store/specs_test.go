package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Store{DB: db}, mock
}

func TestCreateSpecRecordStartsLineage(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(qSpecInsert)).
		WithArgs("spec-1", "owner-1", "proj-1", "spec-1", nil, 1, "PENDING", "build a bank", nil, []byte("{}")).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	mock.ExpectCommit()

	rec, err := st.CreateSpecRecord(context.Background(), NewSpec{
		ID: "spec-1", OwnerID: "owner-1", ProjectID: "proj-1", InputText: "build a bank",
	})
	if err != nil {
		t.Fatalf("CreateSpecRecord: %v", err)
	}
	if rec.Version != 1 || rec.RootID != "spec-1" || rec.ParentID != "" {
		t.Fatalf("unexpected lineage fields: %+v", rec)
	}
	if rec.Status != StatusPending {
		t.Fatalf("expected PENDING, got %s", rec.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateSpecRecordDefaultsProjectToOwnID(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(qSpecInsert)).
		WithArgs("spec-9", "owner-1", "spec-9", "spec-9", nil, 1, "PENDING", "input", nil, []byte("{}")).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	mock.ExpectCommit()

	rec, err := st.CreateSpecRecord(context.Background(), NewSpec{ID: "spec-9", OwnerID: "owner-1", InputText: "input"})
	if err != nil {
		t.Fatalf("CreateSpecRecord: %v", err)
	}
	if rec.ProjectID != "spec-9" {
		t.Fatalf("expected project to default to record id, got %q", rec.ProjectID)
	}
}

func TestCreateSpecRecordForkTakesNextVersion(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(qSpecParentRoot)).WithArgs("spec-v1").
		WillReturnRows(sqlmock.NewRows([]string{"root_id"}).AddRow("root-1"))
	mock.ExpectQuery(regexp.QuoteMeta(qSpecLockRoot)).WithArgs("root-1").
		WillReturnRows(sqlmock.NewRows([]string{"project_id"}).AddRow("proj-1"))
	mock.ExpectQuery(regexp.QuoteMeta(qSpecNextVer)).WithArgs("root-1").
		WillReturnRows(sqlmock.NewRows([]string{"v"}).AddRow(3))
	mock.ExpectQuery(regexp.QuoteMeta(qSpecInsert)).
		WithArgs("spec-v3", "owner-1", "proj-1", "root-1", "spec-v1", 3, "PENDING", "edit", nil, []byte("{}")).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	mock.ExpectCommit()

	rec, err := st.CreateSpecRecord(context.Background(), NewSpec{
		ID: "spec-v3", OwnerID: "owner-1", ParentID: "spec-v1", InputText: "edit",
	})
	if err != nil {
		t.Fatalf("CreateSpecRecord: %v", err)
	}
	if rec.Version != 3 || rec.RootID != "root-1" || rec.ParentID != "spec-v1" || rec.ProjectID != "proj-1" {
		t.Fatalf("unexpected fork: %+v", rec)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateSpecRecordRootOnlyUsesLatestAsParent(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(qSpecLockRoot)).WithArgs("root-1").
		WillReturnRows(sqlmock.NewRows([]string{"project_id"}).AddRow("proj-1"))
	mock.ExpectQuery(regexp.QuoteMeta(qSpecLatest)).WithArgs("root-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("spec-v2"))
	mock.ExpectQuery(regexp.QuoteMeta(qSpecNextVer)).WithArgs("root-1").
		WillReturnRows(sqlmock.NewRows([]string{"v"}).AddRow(3))
	mock.ExpectQuery(regexp.QuoteMeta(qSpecInsert)).
		WithArgs(sqlmock.AnyArg(), "owner-1", "proj-1", "root-1", "spec-v2", 3, "PENDING", "edit", nil, []byte("{}")).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	mock.ExpectCommit()

	rec, err := st.CreateSpecRecord(context.Background(), NewSpec{OwnerID: "owner-1", RootID: "root-1", InputText: "edit"})
	if err != nil {
		t.Fatalf("CreateSpecRecord: %v", err)
	}
	if rec.ParentID != "spec-v2" {
		t.Fatalf("expected latest version as parent, got %q", rec.ParentID)
	}
}

func TestCreateSpecRecordParentMismatch(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(qSpecParentRoot)).WithArgs("spec-x").
		WillReturnRows(sqlmock.NewRows([]string{"root_id"}).AddRow("root-other"))
	mock.ExpectRollback()

	_, err := st.CreateSpecRecord(context.Background(), NewSpec{
		OwnerID: "owner-1", RootID: "root-1", ParentID: "spec-x", InputText: "edit",
	})
	if !errors.Is(err, ErrParentMismatch) {
		t.Fatalf("expected ErrParentMismatch, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateSpecRecordMissingParent(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(qSpecParentRoot)).WithArgs("ghost").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := st.CreateSpecRecord(context.Background(), NewSpec{OwnerID: "owner-1", ParentID: "ghost", InputText: "edit"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateSpecRecordVersionConflict(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(qSpecLockRoot)).WithArgs("root-1").
		WillReturnRows(sqlmock.NewRows([]string{"project_id"}).AddRow("proj-1"))
	mock.ExpectQuery(regexp.QuoteMeta(qSpecLatest)).WithArgs("root-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("spec-v1"))
	mock.ExpectQuery(regexp.QuoteMeta(qSpecNextVer)).WithArgs("root-1").
		WillReturnRows(sqlmock.NewRows([]string{"v"}).AddRow(2))
	mock.ExpectQuery(regexp.QuoteMeta(qSpecInsert)).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "spec_records_root_version_key"})
	mock.ExpectRollback()

	_, err := st.CreateSpecRecord(context.Background(), NewSpec{OwnerID: "owner-1", RootID: "root-1", InputText: "edit"})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateSpecRecordRequiresInput(t *testing.T) {
	st, _ := newMockStore(t)
	if _, err := st.CreateSpecRecord(context.Background(), NewSpec{OwnerID: "o"}); err == nil {
		t.Fatalf("expected error for empty input")
	}
	if _, err := st.CreateSpecRecord(context.Background(), NewSpec{InputText: "x"}); err == nil {
		t.Fatalf("expected error for empty owner")
	}
}

func TestCompleteSpecRecordNoopWhenNotPending(t *testing.T) {
	st, mock := newMockStore(t)
	doc := json.RawMessage(`{"overview":"x","features":[]}`)

	mock.ExpectExec(regexp.QuoteMeta(qSpecComplete)).
		WithArgs("spec-1", []byte(doc), []byte("{}")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := st.CompleteSpecRecord(context.Background(), "spec-1", doc, nil)
	if err != nil {
		t.Fatalf("CompleteSpecRecord: %v", err)
	}
	if ok {
		t.Fatalf("expected no-op for non-pending record")
	}
}

func TestCompleteSpecRecordRequiresDocument(t *testing.T) {
	st, _ := newMockStore(t)
	if _, err := st.CompleteSpecRecord(context.Background(), "spec-1", nil, nil); err == nil {
		t.Fatalf("expected error for empty document")
	}
}

func TestFailSpecRecord(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(qSpecFail)).
		WithArgs("spec-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := st.FailSpecRecord(context.Background(), "spec-1", map[string]interface{}{"error": "boom"})
	if err != nil {
		t.Fatalf("FailSpecRecord: %v", err)
	}
	if !ok {
		t.Fatalf("expected transition")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetSpecRecord(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now()
	cols := []string{"id", "owner_id", "project_id", "root_id", "parent_id", "version", "status", "input_text", "document", "metadata", "finalized", "created_at", "updated_at"}

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT ` + specColumns + ` FROM spec_records WHERE id=$1`)).
		WithArgs("spec-2").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("spec-2", "owner-1", "proj-1", "root-1", "root-1", 2, "COMPLETED", "edit",
			[]byte(`{"overview":"x"}`), []byte(`{"quality":{"score":80}}`), false, now, now))

	rec, ok, err := st.GetSpecRecord(context.Background(), "spec-2")
	if err != nil || !ok {
		t.Fatalf("GetSpecRecord: ok=%v err=%v", ok, err)
	}
	if rec.ParentID != "root-1" || rec.Version != 2 || rec.Status != StatusCompleted {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if _, has := rec.Metadata["quality"]; !has {
		t.Fatalf("expected metadata to decode, got %v", rec.Metadata)
	}

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT ` + specColumns + ` FROM spec_records WHERE id=$1`)).
		WithArgs("missing").WillReturnError(sql.ErrNoRows)
	if _, ok, err := st.GetSpecRecord(context.Background(), "missing"); ok || err != nil {
		t.Fatalf("expected not found without error, got ok=%v err=%v", ok, err)
	}
}

func TestMarkSpecFinalizedOnce(t *testing.T) {
	st, mock := newMockStore(t)
	q := regexp.QuoteMeta(`UPDATE spec_records SET finalized=TRUE, updated_at=NOW() WHERE id=$1 AND finalized=FALSE`)
	mock.ExpectExec(q).WithArgs("spec-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q).WithArgs("spec-1").WillReturnResult(sqlmock.NewResult(0, 0))

	first, err := st.MarkSpecFinalized(context.Background(), "spec-1")
	if err != nil || !first {
		t.Fatalf("first finalize: %v %v", first, err)
	}
	second, err := st.MarkSpecFinalized(context.Background(), "spec-1")
	if err != nil || second {
		t.Fatalf("second finalize should be a no-op: %v %v", second, err)
	}
}

func TestSetSpecEmbeddingRejectsEmpty(t *testing.T) {
	st, _ := newMockStore(t)
	if err := st.SetSpecEmbedding(context.Background(), "spec-1", nil); err == nil {
		t.Fatalf("expected error")
	}
}
