package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"

	"fleet-monitor/gateway/internal/domain"
)

// Teltonika I/O element IDs mapped onto canonical fields.
const (
	ioGSMSignal     = 21
	ioSpeed         = 24
	ioTotalOdometer = 16
	ioTemperature   = 72
	ioHumidity      = 86
	ioFuelLevel     = 89
	ioHDOP          = 182
	ioIgnition      = 239
)

var teltonikaMapped = map[int]bool{
	ioSpeed: true, ioTotalOdometer: true, ioTemperature: true, ioHumidity: true,
	ioFuelLevel: true, ioHDOP: true, ioIgnition: true,
}

var teltonikaKnown = keySetFrom(genericKnown, "io", "priority", "event_io")

// ioBytes is a variable-length Codec 8 Extended element, hex encoded. It is
// passed through verbatim rather than read as a number.
type ioBytes string

func normalizeTeltonika(rec domain.RawRecord, receivedAt time.Time) domain.NormalizedEvent {
	ev := baseEvent(rec, receivedAt)
	values, opaque := ioElements(rec["io"])

	if v, ok := values[ioSpeed]; ok {
		ev.SpeedKmh = v
	}
	if v, ok := values[ioIgnition]; ok {
		ev.EngineOn = domain.Bool(v != 0)
	}
	if v, ok := values[ioFuelLevel]; ok {
		ev.FuelLevel = domain.Float(v)
	}
	if v, ok := values[ioTotalOdometer]; ok {
		ev.OdometerKm = domain.Float(v / 1000)
	}
	if v, ok := values[ioHDOP]; ok {
		ev.HDOP = domain.Float(v / 10)
	}
	if v, ok := values[ioTemperature]; ok {
		ev.Temperature = domain.Float(signed32(v) / 10)
	}
	if v, ok := values[ioHumidity]; ok {
		ev.Humidity = domain.Float(v / 10)
	}

	ev.Extras = extrasFrom(rec, teltonikaKnown)
	for id, v := range values {
		if teltonikaMapped[id] {
			continue
		}
		key := "io_" + strconv.Itoa(id)
		if id == ioGSMSignal {
			key = "gsm_signal"
		}
		setExtra(&ev, key, v)
	}
	for id, v := range opaque {
		setExtra(&ev, "io_"+strconv.Itoa(id), v)
	}
	if p, ok := lookup(rec, "priority"); ok {
		setExtra(&ev, "priority", p)
	}
	if e, ok := lookup(rec, "event_io"); ok {
		setExtra(&ev, "event_io", e)
	}
	return ev
}

// ioElements reads an I/O map keyed by numeric element ID strings. Values
// that are not numbers come back in opaque unchanged.
func ioElements(v any) (map[int]float64, map[int]any) {
	out := make(map[int]float64)
	opaque := make(map[int]any)
	var m map[string]any
	switch t := v.(type) {
	case map[string]any:
		m = t
	case domain.RawRecord:
		m = t
	}
	for k, raw := range m {
		id, err := strconv.Atoi(k)
		if err != nil || raw == nil {
			continue
		}
		if b, ok := raw.(ioBytes); ok {
			opaque[id] = string(b)
			continue
		}
		if f, ok := toFloat(raw); ok {
			out[id] = f
			continue
		}
		opaque[id] = raw
	}
	return out, opaque
}

// signed32 reinterprets an unsigned 32-bit element value as two's complement.
func signed32(v float64) float64 {
	if v > math.MaxInt32 && v <= math.MaxUint32 {
		return v - (1 << 32)
	}
	return v
}

const (
	codec8         = 0x08
	codec8Extended = 0x8E
)

var (
	ErrCodecPreamble = errors.New("teltonika: missing zero preamble")
	ErrCodecLength   = errors.New("teltonika: data length mismatch")
	ErrCodecCRC      = errors.New("teltonika: crc mismatch")
	ErrCodecID       = errors.New("teltonika: unsupported codec")
	ErrCodecCount    = errors.New("teltonika: record count mismatch")
)

// DecodeCodec8 decodes one Teltonika Codec 8 / 8 Extended TCP packet into raw
// records shaped the way normalizeTeltonika reads them.
func DecodeCodec8(data []byte) ([]domain.RawRecord, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("%w: %d bytes", ErrCodecLength, len(data))
	}
	if binary.BigEndian.Uint32(data[0:4]) != 0 {
		return nil, ErrCodecPreamble
	}
	dataLen := int(binary.BigEndian.Uint32(data[4:8]))
	if len(data) != 8+dataLen+4 {
		return nil, fmt.Errorf("%w: header says %d, have %d", ErrCodecLength, dataLen, len(data)-12)
	}
	body := data[8 : 8+dataLen]
	wantCRC := binary.BigEndian.Uint32(data[8+dataLen:])
	if uint32(crc16IBM(body)) != wantCRC {
		return nil, ErrCodecCRC
	}

	reader := bytes.NewReader(body)
	var codecID, count uint8
	if err := binary.Read(reader, binary.BigEndian, &codecID); err != nil {
		return nil, err
	}
	if codecID != codec8 && codecID != codec8Extended {
		return nil, fmt.Errorf("%w: 0x%02x", ErrCodecID, codecID)
	}
	extended := codecID == codec8Extended
	if err := binary.Read(reader, binary.BigEndian, &count); err != nil {
		return nil, err
	}

	records := make([]domain.RawRecord, 0, count)
	for i := 0; i < int(count); i++ {
		rec, err := decodeAVLRecord(reader, extended)
		if err != nil {
			return nil, fmt.Errorf("teltonika: record %d: %w", i, err)
		}
		records = append(records, rec)
	}

	var trailer uint8
	if err := binary.Read(reader, binary.BigEndian, &trailer); err != nil {
		return nil, err
	}
	if trailer != count {
		return nil, fmt.Errorf("%w: %d vs %d", ErrCodecCount, count, trailer)
	}
	return records, nil
}

func decodeAVLRecord(reader *bytes.Reader, extended bool) (domain.RawRecord, error) {
	var gps struct {
		Timestamp  uint64
		Priority   uint8
		Longitude  int32
		Latitude   int32
		Altitude   int16
		Angle      uint16
		Satellites uint8
		Speed      uint16
	}
	if err := binary.Read(reader, binary.BigEndian, &gps); err != nil {
		return nil, err
	}

	eventIO, err := readCount(reader, extended)
	if err != nil {
		return nil, err
	}
	if _, err := readCount(reader, extended); err != nil { // total element count
		return nil, err
	}

	elements := make(map[string]any)
	for _, size := range []int{1, 2, 4, 8} {
		n, err := readCount(reader, extended)
		if err != nil {
			return nil, err
		}
		for j := 0; j < n; j++ {
			id, err := readCount(reader, extended)
			if err != nil {
				return nil, err
			}
			buf := make([]byte, size)
			if _, err := io.ReadFull(reader, buf); err != nil {
				return nil, err
			}
			elements[strconv.Itoa(id)] = float64(beUint(buf))
		}
	}
	if extended {
		n, err := readCount(reader, true)
		if err != nil {
			return nil, err
		}
		for j := 0; j < n; j++ {
			id, err := readCount(reader, true)
			if err != nil {
				return nil, err
			}
			size, err := readCount(reader, true)
			if err != nil {
				return nil, err
			}
			buf := make([]byte, size)
			if _, err := io.ReadFull(reader, buf); err != nil {
				return nil, err
			}
			elements[strconv.Itoa(id)] = ioBytes(hex.EncodeToString(buf))
		}
	}

	return domain.RawRecord{
		"timestamp":  float64(gps.Timestamp),
		"priority":   float64(gps.Priority),
		"lat":        float64(gps.Latitude) / 1e7,
		"lng":        float64(gps.Longitude) / 1e7,
		"altitude":   float64(gps.Altitude),
		"angle":      float64(gps.Angle),
		"satellites": float64(gps.Satellites),
		"speed":      float64(gps.Speed),
		"event_io":   float64(eventIO),
		"io":         elements,
	}, nil
}

// readCount reads a 1-byte count/ID, or a 2-byte one in Codec 8 Extended.
func readCount(reader *bytes.Reader, wide bool) (int, error) {
	if wide {
		var v uint16
		err := binary.Read(reader, binary.BigEndian, &v)
		return int(v), err
	}
	var v uint8
	err := binary.Read(reader, binary.BigEndian, &v)
	return int(v), err
}

func beUint(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

// crc16IBM is CRC-16/ARC (poly 0xA001 reflected, init 0) as used by Codec 8.
func crc16IBM(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
