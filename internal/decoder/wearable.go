// Studyflow - Longitudinal Study Sensor Ingestion and Daily Summaries
// Copyright 2026 D. Kressner (dkressner)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkressner/studyflow

package decoder

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/dkressner/studyflow/internal/models"
)

// Wearable container layout:
//
//	byte 0      header length (must be 14)
//	byte 1      protocol version, major in the high nibble
//	bytes 2-3   profile version, little-endian uint16
//	bytes 4-7   data size in bytes, little-endian uint32
//	bytes 8-11  magic ".WSD"
//	bytes 12-13 CRC-16/ANSI over bytes 0-11, zero means unchecked
//
// Records follow as (type uint8, length uint16 LE, payload), then a
// trailing CRC-16 over header and data. Timestamps are uint32 seconds
// since the device epoch.
const (
	wearableHeaderLen = 14
	wearableMagic     = ".WSD"

	// Devices count seconds from 1989-12-31T00:00:00Z.
	wearableEpochOffset = 631065600

	maxSupportedProtoMajor = 2
)

// Record type codes emitted by the wearable firmware.
const (
	recHeartRate     = 0x01
	recStress        = 0x02
	recWearableSteps = 0x03
	recWearState     = 0x04
	recBattery       = 0x05
)

// WearableDecoder decodes binary .wsd wearable export files.
type WearableDecoder struct{}

// NewWearableDecoder returns a decoder for binary wearable exports.
func NewWearableDecoder() *WearableDecoder {
	return &WearableDecoder{}
}

// Format reports the format tag this decoder handles.
func (d *WearableDecoder) Format() models.FormatTag {
	return models.FormatWearable
}

// Decode parses a wearable container. Structural damage (truncated header,
// bad magic, checksum mismatch, record overrun) returns ErrCorruptContainer.
// Records with an unrecognized type code or a short payload for a known
// type are preserved as unknown events.
func (d *WearableDecoder) Decode(ctx context.Context, userID string, data []byte) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if len(data) < wearableHeaderLen {
		return nil, fmt.Errorf("%w: header truncated at %d bytes", ErrCorruptContainer, len(data))
	}
	if data[0] != wearableHeaderLen {
		return nil, fmt.Errorf("%w: header length %d", ErrCorruptContainer, data[0])
	}
	if string(data[8:12]) != wearableMagic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrCorruptContainer, data[8:12])
	}
	if major := data[1] >> 4; major > maxSupportedProtoMajor {
		return nil, fmt.Errorf("%w: unsupported protocol major %d", ErrCorruptContainer, major)
	}

	// Header CRC of zero means the writer did not checksum the header.
	if headerCRC := binary.LittleEndian.Uint16(data[12:14]); headerCRC != 0 {
		if got := crc16ANSI(data[:12]); got != headerCRC {
			return nil, fmt.Errorf("%w: header crc mismatch (have %#04x, want %#04x)", ErrCorruptContainer, got, headerCRC)
		}
	}

	dataSize := binary.LittleEndian.Uint32(data[4:8])
	recordsEnd := wearableHeaderLen + int(dataSize)
	if recordsEnd+2 > len(data) {
		return nil, fmt.Errorf("%w: data size %d exceeds container", ErrCorruptContainer, dataSize)
	}

	// Trailing CRC covers header plus record data; zero is accepted.
	if fileCRC := binary.LittleEndian.Uint16(data[recordsEnd : recordsEnd+2]); fileCRC != 0 {
		if got := crc16ANSI(data[:recordsEnd]); got != fileCRC {
			return nil, fmt.Errorf("%w: file crc mismatch (have %#04x, want %#04x)", ErrCorruptContainer, got, fileCRC)
		}
	}

	res := &Result{}
	pos := wearableHeaderLen
	for pos < recordsEnd {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if pos+3 > recordsEnd {
			return nil, fmt.Errorf("%w: record header overruns data section at offset %d", ErrCorruptContainer, pos)
		}
		recType := data[pos]
		payloadLen := int(binary.LittleEndian.Uint16(data[pos+1 : pos+3]))
		payloadStart := pos + 3
		payloadEnd := payloadStart + payloadLen
		if payloadEnd > recordsEnd {
			return nil, fmt.Errorf("%w: record payload overruns data section at offset %d", ErrCorruptContainer, pos)
		}

		payload := data[payloadStart:payloadEnd]
		d.decodeRecord(res, userID, recType, payload)
		pos = payloadEnd
	}

	return res, nil
}

// decodeRecord decodes one record into an event, falling back to an unknown
// event for unrecognized type codes or payloads too short for their type.
func (d *WearableDecoder) decodeRecord(res *Result, userID string, recType byte, payload []byte) {
	short := func(want int) {
		res.addUnknown(models.NewUnknownEvent(userID, models.UnknownEventTime, payload,
			fmt.Sprintf("wearable record type %#02x: payload %d bytes, want %d", recType, len(payload), want)))
	}

	switch recType {
	case recHeartRate:
		if len(payload) < 6 {
			short(6)
			return
		}
		ts := wearableTime(binary.LittleEndian.Uint32(payload[0:4]))
		res.add(models.NewHeartRateEvent(userID, ts, int(payload[4]), int(payload[5])))

	case recStress:
		if len(payload) < 5 {
			short(5)
			return
		}
		ts := wearableTime(binary.LittleEndian.Uint32(payload[0:4]))
		res.add(models.NewStressEvent(userID, ts, int(payload[4])))

	case recWearableSteps:
		if len(payload) < 12 {
			short(12)
			return
		}
		start := wearableTime(binary.LittleEndian.Uint32(payload[0:4]))
		end := wearableTime(binary.LittleEndian.Uint32(payload[4:8]))
		steps := int64(binary.LittleEndian.Uint32(payload[8:12]))
		res.add(models.NewWearableStepsEvent(userID, start, end, steps))

	case recWearState:
		if len(payload) < 5 {
			short(5)
			return
		}
		ts := wearableTime(binary.LittleEndian.Uint32(payload[0:4]))
		res.add(models.NewWearStateEvent(userID, ts, payload[4] != 0))

	case recBattery:
		if len(payload) < 5 {
			short(5)
			return
		}
		ts := wearableTime(binary.LittleEndian.Uint32(payload[0:4]))
		res.add(models.NewBatteryEvent(userID, ts, int(payload[4]), 0))

	default:
		ts := models.UnknownEventTime
		// Payloads of at least four bytes likely lead with a timestamp,
		// which keeps the unknown event near its real observation time.
		if len(payload) >= 4 {
			ts = wearableTime(binary.LittleEndian.Uint32(payload[0:4]))
		}
		res.addUnknown(models.NewUnknownEvent(userID, ts, payload,
			fmt.Sprintf("unknown wearable record type %#02x", recType)))
	}
}

// wearableTime converts device seconds to a UTC timestamp.
func wearableTime(deviceSeconds uint32) time.Time {
	return time.Unix(wearableEpochOffset+int64(deviceSeconds), 0).UTC()
}

// crc16ANSI computes CRC-16/ANSI (reflected polynomial 0xA001, zero init),
// the checksum the wearable firmware applies to headers and full files.
func crc16ANSI(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
