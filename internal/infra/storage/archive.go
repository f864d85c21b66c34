package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/meeting"
)

// Transcript is the archived record of one finished meeting.
type Transcript struct {
	MeetingID    string                `json:"meetingId"`
	EndedAt      time.Time             `json:"endedAt"`
	Participants []meeting.Participant `json:"participants"`
	Messages     []meeting.Message     `json:"messages"`
}

// TranscriptKey places transcripts in one folder per day.
func TranscriptKey(meetingID string, endedAt time.Time) string {
	return fmt.Sprintf("meetings/%s/%s.json", endedAt.UTC().Format("2006/01/02"), meetingID)
}

// ArchiveTranscript uploads the committed messages of a meeting. Meetings
// without messages are skipped.
func ArchiveTranscript(ctx context.Context, u Uploader, meetingID string, roster *meeting.Roster, log []meeting.Message) error {
	if u == nil || len(log) == 0 {
		return nil
	}
	t := Transcript{
		MeetingID:    meetingID,
		EndedAt:      time.Now(),
		Participants: roster.Participants(),
		Messages:     log,
	}
	body, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	return u.Upload(ctx, TranscriptKey(meetingID, t.EndedAt), "application/json", body)
}
