package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

type memWriter struct {
	objects      map[string][]byte
	contentTypes map[string]string
	multipart    []string
	err          error
}

func (w *memWriter) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	if w.err != nil {
		return w.err
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	if w.objects == nil {
		w.objects = map[string][]byte{}
		w.contentTypes = map[string]string{}
	}
	w.objects[path] = b
	w.contentTypes[path] = contentType
	return nil
}

func (w *memWriter) PutMultipart(ctx context.Context, path string, data io.Reader, contentType string, partSize int64) error {
	if partSize < minPartSize {
		return errors.New("part size below S3 minimum")
	}
	w.multipart = append(w.multipart, path)
	return w.Put(ctx, path, data, contentType)
}

type memPositions struct {
	rows    []domain.Position
	deleted []string
}

func (m *memPositions) ListTerminalBefore(context.Context, time.Time) ([]domain.Position, error) {
	return m.rows, nil
}

func (m *memPositions) DeleteByIDs(_ context.Context, ids []string) (int64, error) {
	m.deleted = append(m.deleted, ids...)
	return int64(len(ids)), nil
}

type memAlerts struct {
	rows    []domain.Alert
	deleted []string
}

func (m *memAlerts) ListBefore(context.Context, time.Time) ([]domain.Alert, error) {
	return m.rows, nil
}

func (m *memAlerts) DeleteByIDs(_ context.Context, ids []string) (int64, error) {
	m.deleted = append(m.deleted, ids...)
	return int64(len(ids)), nil
}

type memAudit struct{ events []string }

func (m *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	m.events = append(m.events, event)
	return nil
}

func (m *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func TestArchivePositions(t *testing.T) {
	cutoff := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	w := &memWriter{}
	ps := &memPositions{rows: []domain.Position{
		{ID: "p1", Symbol: "BTC", Status: domain.PositionStatusClosed},
		{ID: "p2", Symbol: "ETH", Status: domain.PositionStatusFailed},
	}}
	audit := &memAudit{}
	a := NewArchiver(w, ps, &memAlerts{}, audit)

	n, err := a.ArchivePositions(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, []string{"p1", "p2"}, ps.deleted)
	assert.Equal(t, []string{"archive.positions"}, audit.events)

	body, ok := w.objects["archive/positions/2026-02/20260201T000000Z.jsonl"]
	require.True(t, ok, "objects: %v", w.objects)

	var ids []string
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		var p domain.Position
		require.NoError(t, json.Unmarshal(sc.Bytes(), &p))
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"p1", "p2"}, ids)
}

func TestArchiveSmallPayloadUsesSinglePut(t *testing.T) {
	w := &memWriter{}
	al := &memAlerts{rows: []domain.Alert{{ID: "a1", Text: "buy BTC 1 at 2"}}}
	a := NewArchiver(w, &memPositions{}, al, nil)

	_, err := a.ArchiveAlerts(context.Background(), time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, w.multipart)
	assert.Len(t, w.objects, 1)
}

func TestArchiveLargePayloadUsesMultipart(t *testing.T) {
	w := &memWriter{}
	al := &memAlerts{rows: []domain.Alert{{ID: "a1", Text: "buy BTC 1 at 2"}, {ID: "a2", Text: "sell ETH 2 at 3"}}}
	a := NewArchiver(w, &memPositions{}, al, nil)
	a.multipartThreshold = 16

	n, err := a.ArchiveAlerts(context.Background(), time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	const path = "archive/alerts/2026-02/20260201T000000Z.jsonl"
	assert.Equal(t, []string{path}, w.multipart)
	assert.Equal(t, jsonlContentType, w.contentTypes[path])
	assert.Equal(t, 2, bytes.Count(w.objects[path], []byte("\n")))
	assert.Equal(t, []string{"a1", "a2"}, al.deleted)
}

func TestNewArchiverDefaultsToPartMinimum(t *testing.T) {
	assert.Equal(t, minPartSize, NewArchiver(&memWriter{}, &memPositions{}, &memAlerts{}, nil).multipartThreshold)
}

func TestArchiveAlertsEmpty(t *testing.T) {
	w := &memWriter{}
	al := &memAlerts{}
	a := NewArchiver(w, &memPositions{}, al, nil)

	n, err := a.ArchiveAlerts(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, w.objects)
}

func TestArchiveUploadFailureKeepsRows(t *testing.T) {
	w := &memWriter{err: errors.New("bucket gone")}
	al := &memAlerts{rows: []domain.Alert{{ID: "a1", Text: "buy BTC"}}}
	a := NewArchiver(w, &memPositions{}, al, nil)

	_, err := a.ArchiveAlerts(context.Background(), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upload")
	assert.Empty(t, al.deleted)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://s3.example.com", normaliseEndpoint("https://s3.example.com", false))
	assert.Equal(t, "https://minio:9000", normaliseEndpoint("minio:9000", true))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(&types.NoSuchKey{}))
	assert.True(t, isNotFound(&types.NotFound{}))
	assert.False(t, isNotFound(errors.New("access denied")))
}
