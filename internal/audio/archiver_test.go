package audio

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockS3Client records PutObject/GetObject/DeleteObject calls for testing.
type mockS3Client struct {
	putCalls    []putCall
	deleteCalls []string
	objects     map[string][]byte
}

type putCall struct {
	bucket      string
	key         string
	contentType string
	body        []byte
}

func newMockS3() *mockS3Client {
	return &mockS3Client{objects: make(map[string][]byte)}
}

func (m *mockS3Client) PutObject(_ context.Context, input *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, _ := io.ReadAll(input.Body)
	m.putCalls = append(m.putCalls, putCall{
		bucket:      *input.Bucket,
		key:         *input.Key,
		contentType: *input.ContentType,
		body:        body,
	})
	m.objects[*input.Key] = body
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3Client) GetObject(_ context.Context, input *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := m.objects[*input.Key]
	if !ok {
		return nil, &noSuchKeyError{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *mockS3Client) DeleteObject(_ context.Context, input *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(m.objects, *input.Key)
	m.deleteCalls = append(m.deleteCalls, *input.Key)
	return &s3.DeleteObjectOutput{}, nil
}

type noSuchKeyError struct{}

func (e *noSuchKeyError) Error() string { return "NoSuchKey: key not found" }

func TestArchiveCall(t *testing.T) {
	mock := newMockS3()
	archiver := NewArchiver(mock, "recordings-bucket", nil)

	wav := EncodeStereoWAV(make([]byte, 16000), make([]byte, 16000))
	uri, err := archiver.ArchiveCall(context.Background(), CallRecording{
		RootCallSID:  "CA123",
		OccurrenceID: "occ-9",
		ProviderID:   "prov-1",
		StaffID:      "staff-4",
		Purpose:      "OUTBOUND_OFFER",
		WAV:          wav,
		RecordedAt:   time.Date(2026, 3, 5, 10, 30, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, "s3://recordings-bucket/recordings/v1/by-date/2026/03/05/CA123.wav", uri)

	// One put for the WAV, one for the manifest.
	require.Len(t, mock.putCalls, 2)
	assert.Equal(t, "recordings/v1/by-date/2026/03/05/CA123.wav", mock.putCalls[0].key)
	assert.Equal(t, "audio/wav", mock.putCalls[0].contentType)
	assert.Equal(t, wav, mock.putCalls[0].body)

	assert.Equal(t, "recordings/v1/manifests/2026-03-05.jsonl", mock.putCalls[1].key)
	var entry ManifestEntry
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(mock.putCalls[1].body), &entry))
	assert.Equal(t, "CA123", entry.RootCallSID)
	assert.Equal(t, "occ-9", entry.OccurrenceID)
	assert.Equal(t, 2, entry.DurationSecs)
}

func TestArchiverDisabled(t *testing.T) {
	archiver := NewArchiver(nil, "", nil)
	assert.False(t, archiver.Enabled())

	uri, err := archiver.ArchiveCall(context.Background(), CallRecording{RootCallSID: "CA1", WAV: []byte{1}})
	assert.NoError(t, err)
	assert.Empty(t, uri)
}

func TestArchiveCallValidation(t *testing.T) {
	archiver := NewArchiver(newMockS3(), "bucket", nil)

	_, err := archiver.ArchiveCall(context.Background(), CallRecording{WAV: []byte{1}})
	assert.Error(t, err)

	_, err = archiver.ArchiveCall(context.Background(), CallRecording{RootCallSID: "CA1"})
	assert.Error(t, err)
}

func TestManifestAccumulatesDailyEntries(t *testing.T) {
	mock := newMockS3()
	archiver := NewArchiver(mock, "bucket", nil)

	day := time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)
	wav := EncodeStereoWAV([]byte{0x01}, nil)

	_, err := archiver.ArchiveCall(context.Background(), CallRecording{RootCallSID: "CA1", WAV: wav, RecordedAt: day})
	require.NoError(t, err)
	_, err = archiver.ArchiveCall(context.Background(), CallRecording{RootCallSID: "CA2", WAV: wav, RecordedAt: day.Add(time.Hour)})
	require.NoError(t, err)

	manifest := mock.objects["recordings/v1/manifests/2026-03-05.jsonl"]
	lines := bytes.Split(bytes.TrimSpace(manifest), []byte("\n"))
	assert.Len(t, lines, 2)
}

func TestPruneBeforeDeletesExpiredDays(t *testing.T) {
	mock := newMockS3()
	archiver := NewArchiver(mock, "bucket", nil)
	wav := EncodeStereoWAV([]byte{0x01}, nil)

	oldDay := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	recentDay := time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)

	for i, day := range []time.Time{oldDay, oldDay.Add(2 * time.Hour), recentDay} {
		_, err := archiver.ArchiveCall(context.Background(), CallRecording{
			RootCallSID: []string{"CA1", "CA2", "CA3"}[i],
			WAV:         wav,
			RecordedAt:  day,
		})
		require.NoError(t, err)
	}

	// Cutoff one day past the old recordings: their day is expired, the
	// recent day is not.
	deleted, err := archiver.PruneBefore(context.Background(), time.Date(2026, 2, 2, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	assert.NotContains(t, mock.objects, "recordings/v1/by-date/2026/02/01/CA1.wav")
	assert.NotContains(t, mock.objects, "recordings/v1/by-date/2026/02/01/CA2.wav")
	assert.NotContains(t, mock.objects, "recordings/v1/manifests/2026-02-01.jsonl")
	assert.Contains(t, mock.objects, "recordings/v1/by-date/2026/03/05/CA3.wav")
	assert.Contains(t, mock.objects, "recordings/v1/manifests/2026-03-05.jsonl")
}

func TestPruneBeforeKeepsCutoffDay(t *testing.T) {
	mock := newMockS3()
	archiver := NewArchiver(mock, "bucket", nil)
	wav := EncodeStereoWAV([]byte{0x01}, nil)

	day := time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)
	_, err := archiver.ArchiveCall(context.Background(), CallRecording{RootCallSID: "CA1", WAV: wav, RecordedAt: day})
	require.NoError(t, err)

	// The cutoff falls inside the recording's own day, so the whole day
	// survives until it has fully aged out.
	deleted, err := archiver.PruneBefore(context.Background(), day.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, deleted)
	assert.Contains(t, mock.objects, "recordings/v1/by-date/2026/03/05/CA1.wav")
}

func TestPruneBeforeDisabled(t *testing.T) {
	archiver := NewArchiver(nil, "", nil)

	deleted, err := archiver.PruneBefore(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, deleted)
}
