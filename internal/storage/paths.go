// Package storage builds the filesystem paths described in spec §6. The
// source system keeps this as a global singleton (DESIGN NOTES §9); here it
// is a small value type injected wherever a path is needed, so tests can
// point it at a temp directory without touching global state.
package storage

import (
	"fmt"
	"path/filepath"
)

// Layout builds paths rooted at a configured storage root.
type Layout struct {
	Root string
}

func NewLayout(root string) Layout {
	return Layout{Root: root}
}

// UserRoot is the exclusive per-user subtree: users/user_{slug:06d}/.
func (l Layout) UserRoot(slug int64) string {
	return filepath.Join(l.Root, "users", fmt.Sprintf("user_%06d", slug))
}

func (l Layout) UserThumbnails(slug int64) string {
	return filepath.Join(l.UserRoot(slug), "thumbnails")
}

// RecordingDir is the content-addressed (by ID, not filename) recording root.
func (l Layout) RecordingDir(slug int64, recordingID string) string {
	return filepath.Join(l.UserRoot(slug), "recordings", recordingID)
}

func (l Layout) SourceVideo(slug int64, recordingID, ext string) string {
	return filepath.Join(l.RecordingDir(slug, recordingID), "source"+ext)
}

func (l Layout) ProcessedVideo(slug int64, recordingID string) string {
	return filepath.Join(l.RecordingDir(slug, recordingID), "video.mp4")
}

func (l Layout) ProcessedAudio(slug int64, recordingID string) string {
	return filepath.Join(l.RecordingDir(slug, recordingID), "audio.mp3")
}

func (l Layout) TranscriptionDir(slug int64, recordingID string) string {
	return filepath.Join(l.RecordingDir(slug, recordingID), "transcriptions")
}

func (l Layout) TranscriptionCacheDir(slug int64, recordingID string) string {
	return filepath.Join(l.TranscriptionDir(slug, recordingID), "cache")
}

func (l Layout) MasterTranscript(slug int64, recordingID string) string {
	return filepath.Join(l.TranscriptionDir(slug, recordingID), "master.json")
}

func (l Layout) Topics(slug int64, recordingID string) string {
	return filepath.Join(l.TranscriptionDir(slug, recordingID), "topics.json")
}

func (l Layout) Extracted(slug int64, recordingID string) string {
	return filepath.Join(l.TranscriptionDir(slug, recordingID), "extracted.json")
}

func (l Layout) SharedThumbnails() string {
	return filepath.Join(l.Root, "shared", "thumbnails")
}

func (l Layout) Temp() string {
	return filepath.Join(l.Root, "temp")
}
