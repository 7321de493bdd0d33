// Studyflow - Longitudinal Study Sensor Ingestion and Daily Summaries
// Copyright 2026 D. Kressner (dkressner)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkressner/studyflow

package models

import (
	"testing"
	"time"
)

func TestNaturalKey(t *testing.T) {
	ts := time.Date(2026, 3, 14, 15, 9, 26, 535_000_000, time.UTC)

	t.Run("includes discriminator", func(t *testing.T) {
		e := NewAppUsageEvent("u1", ts, "mail", "foreground")
		want := "u1:app_usage:1773500966535:mail"
		if got := e.NaturalKey(); got != want {
			t.Errorf("NaturalKey() = %q, want %q", got, want)
		}
	})

	t.Run("same observation yields same key", func(t *testing.T) {
		a := NewLocationEvent("u1", ts, 52.52, 13.405, 10, 34)
		b := NewLocationEvent("u1", ts, 52.52, 13.405, 10, 34)
		if a.NaturalKey() != b.NaturalKey() {
			t.Errorf("keys differ: %q vs %q", a.NaturalKey(), b.NaturalKey())
		}
	})

	t.Run("different modality yields different key", func(t *testing.T) {
		a := NewBatteryEvent("u1", ts, 80, 1)
		b := NewStressEvent("u1", ts, 80)
		if a.NaturalKey() == b.NaturalKey() {
			t.Error("battery and stress events share a key")
		}
	})
}

func TestNewUnknownEvent(t *testing.T) {
	ts := time.Unix(1773500966, 0)

	t.Run("discriminator is deterministic over raw bytes", func(t *testing.T) {
		a := NewUnknownEvent("u1", ts, []byte("raw-record"), "no type field")
		b := NewUnknownEvent("u1", ts, []byte("raw-record"), "no type field")
		if a.Discriminator != b.Discriminator {
			t.Errorf("discriminators differ: %q vs %q", a.Discriminator, b.Discriminator)
		}
	})

	t.Run("different raw bytes yield different discriminators", func(t *testing.T) {
		a := NewUnknownEvent("u1", ts, []byte("record-a"), "")
		b := NewUnknownEvent("u1", ts, []byte("record-b"), "")
		if a.Discriminator == b.Discriminator {
			t.Error("distinct raw records share a discriminator")
		}
	})

	t.Run("preserves raw payload and note", func(t *testing.T) {
		e := NewUnknownEvent("u1", ts, []byte{0xDE, 0xAD}, "unknown message type 0x7f")
		if raw, _ := e.PayloadString("raw"); raw != "\xde\xad" {
			t.Errorf("raw payload = %q", raw)
		}
		if e.ParseNote != "unknown message type 0x7f" {
			t.Errorf("ParseNote = %q", e.ParseNote)
		}
	})
}

func TestPayloadAccessors(t *testing.T) {
	e := NewLocationEvent("u1", time.Now(), 40.7, -74.0, 5, 10)

	if lat, ok := e.PayloadFloat("latitude"); !ok || lat != 40.7 {
		t.Errorf("PayloadFloat(latitude) = %v, %v", lat, ok)
	}
	if _, ok := e.PayloadFloat("missing"); ok {
		t.Error("PayloadFloat on missing key should report !ok")
	}

	s := NewScreenEvent("u1", time.Now(), true)
	if locked, ok := s.PayloadBool("locked"); !ok || !locked {
		t.Errorf("PayloadBool(locked) = %v, %v", locked, ok)
	}
}

func TestUploadStateTerminal(t *testing.T) {
	tests := []struct {
		state UploadState
		want  bool
	}{
		{UploadPending, false},
		{UploadProcessed, true},
		{UploadException, true},
	}
	for _, tt := range tests {
		if got := tt.state.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.state, got, tt.want)
		}
	}
}
