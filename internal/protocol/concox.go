package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"fleet-monitor/gateway/internal/domain"
)

var concoxKnown = keySetFrom(genericKnown, "gps_fixed")

// normalizeConcox maps the flat GT06 record. GT06 location packets carry no
// fuel reading, so fuel is never populated.
func normalizeConcox(rec domain.RawRecord, receivedAt time.Time) domain.NormalizedEvent {
	ev := baseEvent(rec, receivedAt)
	ev.FuelLevel = nil
	ev.Extras = extrasFrom(rec, concoxKnown)
	if fixed, ok := rec["gps_fixed"].(bool); ok && !fixed {
		setExtra(&ev, "gps_fixed", false)
	}
	return ev
}

// GT06 framing
const (
	gt06Start      = 0x78
	gt06StartLong  = 0x79
	gt06Stop1      = 0x0D
	gt06Stop2      = 0x0A
	gt06Location   = 0x12
	gt06Location22 = 0x22
)

var (
	ErrGT06Header = errors.New("gt06: invalid start bytes")
	ErrGT06Short  = errors.New("gt06: packet too short")
	ErrGT06CRC    = errors.New("gt06: crc mismatch")
	ErrGT06Stop   = errors.New("gt06: missing stop bytes")
)

// DecodeGT06 decodes a stream of concatenated GT06 packets and returns a
// record for every location packet (0x12, 0x22). Login, heartbeat and other
// packet types are validated and skipped.
func DecodeGT06(data []byte) ([]domain.RawRecord, error) {
	var records []domain.RawRecord
	for len(data) > 0 {
		if len(data) < 5 {
			return nil, ErrGT06Short
		}
		var (
			headerLen int
			bodyLen   int
		)
		switch {
		case data[0] == gt06Start && data[1] == gt06Start:
			headerLen, bodyLen = 3, int(data[2])
		case data[0] == gt06StartLong && data[1] == gt06StartLong:
			headerLen, bodyLen = 4, int(binary.BigEndian.Uint16(data[2:4]))
		default:
			return nil, ErrGT06Header
		}
		// body = protocol number .. crc; stop bytes follow
		total := headerLen + bodyLen + 2
		if bodyLen < 5 || len(data) < total {
			return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrGT06Short, total, len(data))
		}
		packet := data[:total]
		data = data[total:]

		if packet[total-2] != gt06Stop1 || packet[total-1] != gt06Stop2 {
			return nil, ErrGT06Stop
		}
		crcEnd := total - 4
		want := binary.BigEndian.Uint16(packet[crcEnd : crcEnd+2])
		if crcITU(packet[2:crcEnd]) != want {
			return nil, ErrGT06CRC
		}

		content := packet[headerLen:crcEnd]
		proto := content[0]
		if proto != gt06Location && proto != gt06Location22 {
			continue
		}
		rec, err := decodeGT06Location(content[1:len(content)-2], proto)
		if err != nil {
			return nil, err
		}
		rec["serial"] = float64(binary.BigEndian.Uint16(content[len(content)-2:]))
		records = append(records, rec)
	}
	return records, nil
}

func decodeGT06Location(info []byte, proto byte) (domain.RawRecord, error) {
	reader := bytes.NewReader(info)
	var gps struct {
		Year, Month, Day, Hour, Minute, Second uint8
		GPSInfo                                uint8
		Latitude                               uint32
		Longitude                              uint32
		Speed                                  uint8
		CourseStatus                           uint16
	}
	if err := binary.Read(reader, binary.BigEndian, &gps); err != nil {
		return nil, fmt.Errorf("gt06: location: %w", err)
	}

	ts := time.Date(2000+int(gps.Year), time.Month(gps.Month), int(gps.Day),
		int(gps.Hour), int(gps.Minute), int(gps.Second), 0, time.UTC)

	lat := float64(gps.Latitude) / 30000 / 60
	lng := float64(gps.Longitude) / 30000 / 60
	if gps.CourseStatus&(1<<10) == 0 {
		lat = -lat
	}
	if gps.CourseStatus&(1<<11) != 0 {
		lng = -lng
	}

	rec := domain.RawRecord{
		"timestamp":  ts.Format(time.RFC3339),
		"lat":        lat,
		"lng":        lng,
		"speed":      float64(gps.Speed),
		"course":     float64(gps.CourseStatus & 0x03FF),
		"satellites": float64(gps.GPSInfo & 0x0F),
		"gps_fixed":  gps.CourseStatus&(1<<12) != 0,
	}

	var lbs struct {
		MCC    uint16
		MNC    uint8
		LAC    uint16
		CellID [3]byte
	}
	if err := binary.Read(reader, binary.BigEndian, &lbs); err == nil {
		rec["mcc"] = float64(lbs.MCC)
		rec["mnc"] = float64(lbs.MNC)
		rec["lac"] = float64(lbs.LAC)
		rec["cell_id"] = float64(beUint(lbs.CellID[:]))
		if proto == gt06Location22 {
			if acc, err := reader.ReadByte(); err == nil {
				rec["acc"] = acc != 0
			}
		}
	}
	return rec, nil
}

// crcITU is CRC-16/X-25 over the length byte(s) through the serial number.
func crcITU(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0x8408
			} else {
				crc >>= 1
			}
		}
	}
	return ^crc
}
