package audio

import (
	"context"
	"errors"
	"fmt"

	"github.com/shiftfill/escalation-engine/pkg/logging"
)

// Recorder ties the capture store to the archiver: it assembles whatever
// legs exist for a root call, uploads the stereo WAV, and clears the legs.
// Both the media bridge (on a final stream close) and the transfer
// coordinator (when the dial leg resolves) finish calls through it, so a
// call is archived exactly once no matter which path ends it.
type Recorder struct {
	capture  *CaptureStore
	archiver *Archiver
	logger   *logging.Logger
}

// NewRecorder creates a Recorder. Panics if capture or archiver is nil.
func NewRecorder(capture *CaptureStore, archiver *Archiver, logger *logging.Logger) *Recorder {
	if capture == nil {
		panic("audio: recorder requires a capture store")
	}
	if archiver == nil {
		panic("audio: recorder requires an archiver")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Recorder{capture: capture, archiver: archiver, logger: logger}
}

// FinalizeCall assembles and archives the audio held for rec's root call,
// returning the stored URI. An empty URI with nil error means there was
// nothing to keep: no audio captured, or archival disabled. Legs are
// discarded only after the upload succeeds, so a transient S3 failure
// leaves them recoverable until their TTL.
func (r *Recorder) FinalizeCall(ctx context.Context, rec CallRecording) (string, error) {
	if rec.RootCallSID == "" {
		return "", fmt.Errorf("audio: finalize requires a root call SID")
	}
	wav, err := r.capture.Assemble(ctx, rec.RootCallSID)
	if errors.Is(err, ErrNoCapture) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	rec.WAV = wav

	if !r.archiver.Enabled() {
		if err := r.capture.Discard(ctx, rec.RootCallSID); err != nil {
			r.logger.Warn("failed to drop unarchived capture legs",
				"root_call_sid", rec.RootCallSID, "error", err)
		}
		return "", nil
	}

	uri, err := r.archiver.ArchiveCall(ctx, rec)
	if err != nil {
		return "", err
	}
	if err := r.capture.Discard(ctx, rec.RootCallSID); err != nil {
		r.logger.Warn("failed to drop archived capture legs",
			"root_call_sid", rec.RootCallSID, "error", err)
	}
	return uri, nil
}
