// Studyflow - Longitudinal Study Sensor Ingestion and Daily Summaries
// Copyright 2026 D. Kressner (dkressner)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkressner/studyflow

package decoder

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/dkressner/studyflow/internal/models"
)

// JSONStreamDecoder decodes newline-delimited JSON event streams emitted
// by the phone study app. Every line is one object with a "type"
// discriminator. The stream has no container framing, so this decoder
// never reports a corrupt container: a malformed line becomes an unknown
// event and decoding continues with the next line.
type JSONStreamDecoder struct{}

// NewJSONStreamDecoder returns a decoder for NDJSON event streams.
func NewJSONStreamDecoder() *JSONStreamDecoder {
	return &JSONStreamDecoder{}
}

// Format reports the format tag this decoder handles.
func (d *JSONStreamDecoder) Format() models.FormatTag {
	return models.FormatJSONStream
}

// streamLine is the superset of fields across all stream message types.
type streamLine struct {
	Type           string         `json:"type"`
	TS             int64          `json:"ts"`
	SurveyID       string         `json:"survey_id"`
	Responses      map[string]any `json:"responses"`
	Status         string         `json:"status"`
	AppName        string         `json:"app_name"`
	NotificationID string         `json:"notification_id"`
	EntryID        string         `json:"entry_id"`
	Text           string         `json:"text"`
}

// Decode parses the stream line by line. Lines that are not valid JSON,
// lack a type, or carry an unrecognized type are preserved as unknown
// events with a parse note.
func (d *JSONStreamDecoder) Decode(ctx context.Context, userID string, data []byte) (*Result, error) {
	res := &Result{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var msg streamLine
		if err := json.Unmarshal(line, &msg); err != nil {
			res.addUnknown(models.NewUnknownEvent(userID, models.UnknownEventTime, append([]byte(nil), line...),
				fmt.Sprintf("line %d: malformed json: %v", lineNo, err)))
			continue
		}
		d.decodeLine(res, userID, &msg, line, lineNo)
	}
	if err := scanner.Err(); err != nil {
		// Oversized lines are data problems, not container damage. The
		// offending bytes keep the discriminator content-derived.
		res.addUnknown(models.NewUnknownEvent(userID, models.UnknownEventTime,
			append([]byte(nil), scanner.Bytes()...),
			fmt.Sprintf("after line %d: %v", lineNo, err)))
	}
	return res, nil
}

func (d *JSONStreamDecoder) decodeLine(res *Result, userID string, msg *streamLine, raw []byte, lineNo int) {
	ts := time.UnixMilli(msg.TS).UTC()
	switch msg.Type {
	case "ema_response":
		res.add(models.NewEMAResponseEvent(userID, ts, msg.SurveyID, msg.Responses))
	case "ema_status":
		res.add(models.NewEMAStatusEvent(userID, ts, msg.SurveyID, msg.Status))
	case "app_usage":
		res.add(models.NewAppUsageEvent(userID, ts, msg.AppName, msg.Status))
	case "notification":
		res.add(models.NewNotificationEvent(userID, ts, msg.NotificationID, msg.Status))
	case "diary":
		// Diary content stays on the phone; only the entry length is kept.
		res.add(models.NewDiaryEvent(userID, ts, msg.EntryID, len(msg.Text)))
	case "":
		res.addUnknown(models.NewUnknownEvent(userID, ts, append([]byte(nil), raw...),
			fmt.Sprintf("line %d: missing type discriminator", lineNo)))
	default:
		res.addUnknown(models.NewUnknownEvent(userID, ts, append([]byte(nil), raw...),
			fmt.Sprintf("line %d: unknown message type %q", lineNo, msg.Type)))
	}
}
