package models

import (
	"reflect"
	"strings"
	"testing"
)

// gormTag extracts the gorm tag from a struct field.
func gormTag(t *testing.T, typ reflect.Type, fieldName string) string {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	return f.Tag.Get("gorm")
}

// assertGormTag checks that a struct field's gorm tag contains the expected value.
func assertGormTag(t *testing.T, typ reflect.Type, fieldName, expected string) {
	t.Helper()
	tag := gormTag(t, typ, fieldName)
	if !strings.Contains(tag, expected) {
		t.Errorf("%s.%s gorm tag = %q, want to contain %q", typ.Name(), fieldName, tag, expected)
	}
}

func TestRecordingSession_Fields(t *testing.T) {
	typ := reflect.TypeOf(RecordingSession{})

	assertGormTag(t, typ, "SessionID", "uniqueIndex")
	assertGormTag(t, typ, "SessionID", "size:32")
	assertGormTag(t, typ, "OwnerID", "index")
	assertGormTag(t, typ, "Status", "default:recording")
	assertGormTag(t, typ, "IsActive", "default:true")
	assertGormTag(t, typ, "TotalDurationMs", "default:0")
	assertGormTag(t, typ, "FinalAudioKey", "size:256")
	assertGormTag(t, typ, "Error", "type:text")
}

func TestAudioFragment_UniqueIndexPerSession(t *testing.T) {
	typ := reflect.TypeOf(AudioFragment{})

	sessTag := gormTag(t, typ, "SessionID")
	idxTag := gormTag(t, typ, "FragmentIndex")
	if !strings.Contains(sessTag, "idx_fragment_session_index,unique") {
		t.Errorf("SessionID tag = %q, want composite unique index", sessTag)
	}
	if !strings.Contains(idxTag, "idx_fragment_session_index,unique") {
		t.Errorf("FragmentIndex tag = %q, want composite unique index", idxTag)
	}
}

func TestSessionStatus_Terminal(t *testing.T) {
	terminal := []SessionStatus{StatusCompleted, StatusFailed}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", s)
		}
	}
	live := []SessionStatus{StatusRecording, StatusPaused, StatusFinalizing, StatusProcessing}
	for _, s := range live {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true, want false", s)
		}
	}
}

func TestSessionStatus_Valid(t *testing.T) {
	for _, s := range []SessionStatus{StatusRecording, StatusPaused, StatusFinalizing, StatusProcessing, StatusCompleted, StatusFailed} {
		if !s.Valid() {
			t.Errorf("%s.Valid() = false, want true", s)
		}
	}
	if SessionStatus("archived").Valid() {
		t.Error(`SessionStatus("archived").Valid() = true, want false`)
	}
	if SessionStatus("").Valid() {
		t.Error(`SessionStatus("").Valid() = true, want false`)
	}
}

func TestQueueStatus_Values(t *testing.T) {
	if QueuePending != "pending" || QueueUploading != "uploading" || QueueFailed != "failed" {
		t.Errorf("queue status values = %q/%q/%q", QueuePending, QueueUploading, QueueFailed)
	}
}
