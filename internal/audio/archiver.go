package audio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/shiftfill/escalation-engine/pkg/logging"
)

// S3API is the subset of the S3 client used by Archiver.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// CallRecording is one finished call's audio plus the context needed to
// find it again.
type CallRecording struct {
	RootCallSID  string    `json:"root_call_sid"`
	OccurrenceID string    `json:"occurrence_id,omitempty"`
	ProviderID   string    `json:"provider_id,omitempty"`
	StaffID      string    `json:"staff_id,omitempty"`
	Purpose      string    `json:"purpose,omitempty"`
	WAV          []byte    `json:"-"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// ManifestEntry is one JSONL line in the daily recording manifest.
type ManifestEntry struct {
	RootCallSID  string `json:"root_call_sid"`
	S3Key        string `json:"s3_key"`
	OccurrenceID string `json:"occurrence_id,omitempty"`
	ProviderID   string `json:"provider_id,omitempty"`
	StaffID      string `json:"staff_id,omitempty"`
	Purpose      string `json:"purpose,omitempty"`
	DurationSecs int    `json:"duration_secs"`
	RecordedAt   string `json:"recorded_at"`
}

// Archiver writes finished call recordings to S3 and appends each to a
// daily manifest.
type Archiver struct {
	bucket   string
	s3Client S3API
	logger   *logging.Logger
}

// NewArchiver creates an Archiver. If bucket is empty, all operations are
// no-ops.
func NewArchiver(s3Client S3API, bucket string, logger *logging.Logger) *Archiver {
	if logger == nil {
		logger = logging.Default()
	}
	return &Archiver{bucket: bucket, s3Client: s3Client, logger: logger}
}

// Enabled returns true if archival is configured (bucket is set).
func (a *Archiver) Enabled() bool {
	return a != nil && a.bucket != "" && a.s3Client != nil
}

// ArchiveCall uploads the recording WAV and appends a manifest line.
// Returns the s3:// URI of the stored object, or "" when archival is
// disabled.
func (a *Archiver) ArchiveCall(ctx context.Context, rec CallRecording) (string, error) {
	if !a.Enabled() {
		return "", nil
	}
	if rec.RootCallSID == "" {
		return "", fmt.Errorf("audio: recording missing root call SID")
	}
	if len(rec.WAV) == 0 {
		return "", fmt.Errorf("audio: recording %s has no audio", rec.RootCallSID)
	}

	recordedAt := rec.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}

	s3Key := fmt.Sprintf("recordings/v1/by-date/%d/%02d/%02d/%s.wav",
		recordedAt.Year(), recordedAt.Month(), recordedAt.Day(), rec.RootCallSID)

	_, err := a.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(s3Key),
		Body:        bytes.NewReader(rec.WAV),
		ContentType: aws.String("audio/wav"),
	})
	if err != nil {
		return "", fmt.Errorf("audio: s3 put %s: %w", s3Key, err)
	}

	duration := WAVDurationSeconds(rec.WAV)
	a.logger.Info("archived call recording",
		"root_call_sid", rec.RootCallSID,
		"s3_key", s3Key,
		"occurrence_id", rec.OccurrenceID,
		"duration_secs", duration,
	)

	entry := ManifestEntry{
		RootCallSID:  rec.RootCallSID,
		S3Key:        s3Key,
		OccurrenceID: rec.OccurrenceID,
		ProviderID:   rec.ProviderID,
		StaffID:      rec.StaffID,
		Purpose:      rec.Purpose,
		DurationSecs: duration,
		RecordedAt:   recordedAt.Format(time.RFC3339),
	}
	if err := a.appendManifest(ctx, recordedAt, entry); err != nil {
		// The recording itself is safe; a missing manifest line is
		// recoverable from a bucket listing.
		a.logger.Warn("failed to append recording manifest", "error", err, "root_call_sid", rec.RootCallSID)
	}

	return fmt.Sprintf("s3://%s/%s", a.bucket, s3Key), nil
}

// appendManifest appends a JSONL line to the daily manifest file using
// read-modify-write, since S3 has no append.
func (a *Archiver) appendManifest(ctx context.Context, day time.Time, entry ManifestEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audio: marshal manifest entry: %w", err)
	}

	manifestKey := fmt.Sprintf("recordings/v1/manifests/%s.jsonl", day.Format("2006-01-02"))

	var existing []byte
	getResp, err := a.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(manifestKey),
	})
	if err != nil {
		if !isNoSuchKey(err) {
			a.logger.Debug("manifest read failed, starting fresh", "key", manifestKey, "error", err)
		}
	} else {
		existing, _ = io.ReadAll(getResp.Body)
		getResp.Body.Close()
	}

	var buf bytes.Buffer
	if len(existing) > 0 {
		buf.Write(existing)
		if existing[len(existing)-1] != '\n' {
			buf.WriteByte('\n')
		}
	}
	buf.Write(line)
	buf.WriteByte('\n')

	_, err = a.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(manifestKey),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("audio: s3 put manifest: %w", err)
	}
	return nil
}

// pruneLookback is how many whole days past the retention boundary each
// prune pass re-checks, so sweeps missed during downtime catch up.
const pruneLookback = 7

// PruneBefore deletes recordings from days that ended before cutoff, using
// each day's manifest as the catalog of that day's objects. The manifest
// itself goes last, so an interrupted pass resumes where it stopped.
// Returns the number of recordings deleted.
func (a *Archiver) PruneBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if !a.Enabled() {
		return 0, nil
	}

	cutoffDay := cutoff.UTC().Truncate(24 * time.Hour)
	deleted := 0
	for i := 1; i <= pruneLookback; i++ {
		day := cutoffDay.AddDate(0, 0, -i)
		n, err := a.pruneDay(ctx, day)
		if err != nil {
			return deleted, err
		}
		deleted += n
	}
	return deleted, nil
}

func (a *Archiver) pruneDay(ctx context.Context, day time.Time) (int, error) {
	manifestKey := fmt.Sprintf("recordings/v1/manifests/%s.jsonl", day.Format("2006-01-02"))

	getResp, err := a.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(manifestKey),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("audio: read manifest %s: %w", manifestKey, err)
	}
	data, err := io.ReadAll(getResp.Body)
	getResp.Body.Close()
	if err != nil {
		return 0, fmt.Errorf("audio: read manifest %s: %w", manifestKey, err)
	}

	deleted := 0
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var entry ManifestEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			a.logger.Warn("skipping malformed manifest line", "manifest", manifestKey, "error", err)
			continue
		}
		if entry.S3Key == "" {
			continue
		}
		if _, err := a.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(a.bucket),
			Key:    aws.String(entry.S3Key),
		}); err != nil {
			return deleted, fmt.Errorf("audio: delete %s: %w", entry.S3Key, err)
		}
		deleted++
	}

	if _, err := a.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(manifestKey),
	}); err != nil {
		return deleted, fmt.Errorf("audio: delete manifest %s: %w", manifestKey, err)
	}
	if deleted > 0 {
		a.logger.Info("pruned expired recordings",
			"day", day.Format("2006-01-02"),
			"count", deleted,
		)
	}
	return deleted, nil
}

// isNoSuchKey checks for S3's missing-object error by message, which is
// more reliable across SDK error wrappers than errors.As on the typed
// NoSuchKey.
func isNoSuchKey(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "NoSuchKey") || strings.Contains(msg, "404") || strings.Contains(msg, "not found")
}
