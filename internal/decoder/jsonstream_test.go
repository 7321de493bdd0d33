// Studyflow - Longitudinal Study Sensor Ingestion and Daily Summaries
// Copyright 2026 D. Kressner (dkressner)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkressner/studyflow

package decoder

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/dkressner/studyflow/internal/models"
)

func TestJSONStreamDecode(t *testing.T) {
	stream := strings.Join([]string{
		`{"type":"ema_response","ts":1773500000000,"survey_id":"morning","responses":{"mood":4,"sleep_quality":3}}`,
		`{"type":"ema_status","ts":1773500001000,"survey_id":"morning","status":"completed"}`,
		`{"type":"app_usage","ts":1773500002000,"app_name":"mail","status":"foreground"}`,
		`{"type":"notification","ts":1773500003000,"notification_id":"n-42","status":"dismissed"}`,
		`{"type":"diary","ts":1773500004000,"entry_id":"d-7","text":"slept badly"}`,
	}, "\n")

	res, err := NewJSONStreamDecoder().Decode(context.Background(), "u1", []byte(stream))
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if res.Records != 5 || res.Unknown != 0 {
		t.Fatalf("got %d records, %d unknown, want 5, 0", res.Records, res.Unknown)
	}

	ema := res.Events[0]
	if ema.Modality != models.ModalityEMAResponse {
		t.Errorf("modality = %s, want ema_response", ema.Modality)
	}
	if ema.Discriminator != "morning" {
		t.Errorf("discriminator = %q, want morning", ema.Discriminator)
	}
	if !ema.Timestamp.Equal(time.UnixMilli(1773500000000).UTC()) {
		t.Errorf("timestamp = %v", ema.Timestamp)
	}

	// Diary content never leaves the event as text, only its length.
	diary := res.Events[4]
	if _, ok := diary.PayloadString("text"); ok {
		t.Error("diary event carries raw text")
	}
	if n, _ := diary.PayloadFloat("length"); n != float64(len("slept badly")) {
		t.Errorf("diary length = %v, want %d", n, len("slept badly"))
	}
}

func TestJSONStreamDecodeMalformedLines(t *testing.T) {
	stream := strings.Join([]string{
		`{"type":"ema_status","ts":1,"survey_id":"s","status":"scheduled"}`,
		`{not json at all`,
		`{"ts":2,"survey_id":"s"}`,
		`{"type":"telemetry_v2","ts":3}`,
		``,
		`{"type":"ema_status","ts":4,"survey_id":"s","status":"expired"}`,
	}, "\n")

	res, err := NewJSONStreamDecoder().Decode(context.Background(), "u1", []byte(stream))
	if err != nil {
		t.Fatalf("Decode() error: %v, stream decoding must never fail the container", err)
	}
	// Blank line is skipped; three problem lines become unknown events.
	if res.Records != 5 || res.Unknown != 3 {
		t.Fatalf("got %d records, %d unknown, want 5, 3", res.Records, res.Unknown)
	}

	notes := []string{
		res.Events[1].ParseNote,
		res.Events[2].ParseNote,
		res.Events[3].ParseNote,
	}
	for i, note := range notes {
		if note == "" {
			t.Errorf("unknown event %d has no parse note", i)
		}
	}
	if !strings.Contains(res.Events[2].ParseNote, "missing type") {
		t.Errorf("note = %q, want missing type", res.Events[2].ParseNote)
	}
	if !strings.Contains(res.Events[3].ParseNote, "telemetry_v2") {
		t.Errorf("note = %q, want unknown type name", res.Events[3].ParseNote)
	}
}

func TestJSONStreamDecodeMalformedLineReplayStable(t *testing.T) {
	stream := []byte("not json at all\n")
	d := NewJSONStreamDecoder()

	first, err := d.Decode(context.Background(), "u1", stream)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	second, err := d.Decode(context.Background(), "u1", stream)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}

	if first.Unknown != 1 || second.Unknown != 1 {
		t.Fatalf("unknown counts = %d, %d, want 1, 1", first.Unknown, second.Unknown)
	}
	// The natural key must not drift between ingests of the same bytes,
	// or replaying a file would store its unparsable records twice.
	k1, k2 := first.Events[0].NaturalKey(), second.Events[0].NaturalKey()
	if k1 != k2 {
		t.Errorf("natural key changed across decodes: %q vs %q", k1, k2)
	}
	if !first.Events[0].Timestamp.Equal(models.UnknownEventTime) {
		t.Errorf("timestamp = %v, want the unknown-event sentinel", first.Events[0].Timestamp)
	}
}

func TestJSONStreamDecodeEmptyInput(t *testing.T) {
	res, err := NewJSONStreamDecoder().Decode(context.Background(), "u1", nil)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if len(res.Events) != 0 {
		t.Errorf("events = %d, want 0", len(res.Events))
	}
}

func TestForFormat(t *testing.T) {
	tests := []struct {
		tag     models.FormatTag
		wantErr bool
	}{
		{models.FormatWearable, false},
		{models.FormatPhoneDB, false},
		{models.FormatJSONStream, false},
		{models.FormatUnknown, true},
	}
	for _, tt := range tests {
		d, err := ForFormat(tt.tag)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ForFormat(%s) expected error", tt.tag)
			}
			continue
		}
		if err != nil {
			t.Errorf("ForFormat(%s) error: %v", tt.tag, err)
			continue
		}
		if d.Format() != tt.tag {
			t.Errorf("ForFormat(%s).Format() = %s", tt.tag, d.Format())
		}
	}
}
