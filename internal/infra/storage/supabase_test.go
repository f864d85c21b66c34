package storage

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/meeting"
)

func TestSupabaseStorage_Upload(t *testing.T) {
	var gotPath, gotAuth, gotType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotAuth, gotType = r.URL.Path, r.Header.Get("Authorization"), r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewSupabaseStorage(srv.URL+"/", "svc", "transcripts")
	if err := s.Upload(context.Background(), "/meetings/a.json", "application/json", []byte(`{}`)); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if gotPath != "/storage/v1/object/transcripts/meetings/a.json" {
		t.Fatalf("unexpected path %s", gotPath)
	}
	if gotAuth != "Bearer svc" || gotType != "application/json" || string(gotBody) != "{}" {
		t.Fatalf("unexpected request auth=%q type=%q body=%q", gotAuth, gotType, gotBody)
	}
}

func TestSupabaseStorage_Failures(t *testing.T) {
	if err := NewSupabaseStorage("", "svc", "b").Upload(context.Background(), "k", "text/plain", nil); err == nil {
		t.Fatalf("expected configuration error")
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bucket not found", http.StatusNotFound)
	}))
	defer srv.Close()
	err := NewSupabaseStorage(srv.URL, "svc", "b").Upload(context.Background(), "k", "text/plain", nil)
	if err == nil || !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "bucket not found") {
		t.Fatalf("expected status error, got %v", err)
	}
}

type recordingUploader struct {
	key  string
	body []byte
}

func (r *recordingUploader) Upload(_ context.Context, key, _ string, body []byte) error {
	r.key, r.body = key, body
	return nil
}

func TestArchiveTranscript(t *testing.T) {
	roster, err := meeting.NewRoster([]meeting.Participant{
		{ID: "you", DisplayName: "You", IsHuman: true},
		{ID: "maya", DisplayName: "Maya"},
	})
	if err != nil {
		t.Fatal(err)
	}
	u := &recordingUploader{}
	if err := ArchiveTranscript(context.Background(), u, "m1", roster, nil); err != nil || u.key != "" {
		t.Fatalf("empty meetings are not archived")
	}
	msgs := []meeting.Message{meeting.NewMessage("you", "hello", 0), meeting.NewMessage("maya", "hi there", 1)}
	if err := ArchiveTranscript(context.Background(), u, "m1", roster, msgs); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if !strings.HasPrefix(u.key, "meetings/") || !strings.HasSuffix(u.key, "/m1.json") {
		t.Fatalf("unexpected key %s", u.key)
	}
	var got Transcript
	if err := json.Unmarshal(u.body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.MeetingID != "m1" || len(got.Participants) != 2 || len(got.Messages) != 2 || got.Messages[1].Content != "hi there" {
		t.Fatalf("unexpected transcript %+v", got)
	}
}

func TestTranscriptKey(t *testing.T) {
	at := time.Date(2026, 3, 9, 23, 30, 0, 0, time.UTC)
	if k := TranscriptKey("abc", at); k != "meetings/2026/03/09/abc.json" {
		t.Fatalf("unexpected key %s", k)
	}
}
