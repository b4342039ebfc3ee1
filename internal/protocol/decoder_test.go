package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math"
	"testing"
	"time"

	"fleet-monitor/gateway/internal/domain"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex: %v", err)
	}
	return b
}

func almost(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func TestDecodeCodec8_DocumentationPacket(t *testing.T) {
	data := mustHex(t, "000000000000003608010000016B40D8EA30010000000000000000000000000000000105021503010101425E0F01F10000601A014E0000000000000000010000C7CF")

	recs, err := DecodeCodec8(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	rec := recs[0]
	if rec["timestamp"] != float64(1560161086000) {
		t.Errorf("timestamp = %v", rec["timestamp"])
	}
	io := rec["io"].(map[string]any)
	want := map[string]float64{"21": 3, "1": 1, "66": 24079, "241": 24602, "78": 0}
	for id, v := range want {
		if io[id] != v {
			t.Errorf("io[%s] = %v, want %v", id, io[id], v)
		}
	}
}

func TestDecodeCodec8_Errors(t *testing.T) {
	good := "000000000000003608010000016B40D8EA30010000000000000000000000000000000105021503010101425E0F01F10000601A014E0000000000000000010000C7CF"
	tests := []struct {
		name string
		hex  string
		err  error
	}{
		{"bad crc", good[:len(good)-4] + "0000", ErrCodecCRC},
		{"bad preamble", "01" + good[2:], ErrCodecPreamble},
		{"truncated", good[:40], ErrCodecLength},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeCodec8(mustHex(t, tt.hex))
			if !errors.Is(err, tt.err) {
				t.Fatalf("expected %v, got %v", tt.err, err)
			}
		})
	}
}

const teltonikaFixture = "000000000000003908010000018BCFE568000120F1A6F40F05F46D000C005A090028000602EF011504021800415900370148FFFFFF33011000000000075BCD150100007718"

func TestTeltonikaRawToEvent(t *testing.T) {
	recs, err := DecodeCodec8(mustHex(t, teltonikaFixture))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	ev := Normalize(domain.ProtocolTeltonika, recs[0], time.Now())

	if !ev.Timestamp.Equal(time.UnixMilli(1700000000000)) {
		t.Errorf("timestamp = %v", ev.Timestamp)
	}
	if !almost(ev.Latitude, 25.2048493) || !almost(ev.Longitude, 55.2707828) {
		t.Errorf("position = %v,%v", ev.Latitude, ev.Longitude)
	}
	if ev.SpeedKmh != 65 {
		t.Errorf("speed should come from io 24, got %v", ev.SpeedKmh)
	}
	if ev.Heading != 90 {
		t.Errorf("heading = %v", ev.Heading)
	}
	if ev.EngineOn == nil || !*ev.EngineOn {
		t.Errorf("engine should be on")
	}
	if ev.FuelLevel == nil || *ev.FuelLevel != 55 {
		t.Errorf("fuel = %v", ev.FuelLevel)
	}
	if ev.Temperature == nil || !almost(*ev.Temperature, -20.5) {
		t.Errorf("temperature = %v", ev.Temperature)
	}
	if ev.OdometerKm == nil || !almost(*ev.OdometerKm, 123456.789) {
		t.Errorf("odometer = %v", ev.OdometerKm)
	}
	if ev.Satellites == nil || *ev.Satellites != 9 {
		t.Errorf("satellites = %v", ev.Satellites)
	}
	if ev.Extras["gsm_signal"] != float64(4) {
		t.Errorf("gsm signal extra = %v", ev.Extras["gsm_signal"])
	}
}

// codec8EPacket frames one Codec 8 Extended record with ignition on and two
// variable-length elements (257 = 0x0010, 258 = 0x00ff). cut drops bytes from
// the end of the data field before framing.
func codec8EPacket(cut int) []byte {
	var body bytes.Buffer
	w := func(v any) { _ = binary.Write(&body, binary.BigEndian, v) }
	w(uint8(codec8Extended))
	w(uint8(1))
	w(uint64(1700000000000))
	w(uint8(0))
	w(int32(552707828))
	w(int32(252048493))
	w(int16(10))
	w(uint16(90))
	w(uint8(9))
	w(uint16(40))
	w(uint16(ioIgnition)) // event io
	w(uint16(3))          // total elements
	w(uint16(1))
	w(uint16(ioIgnition))
	w(uint8(1))
	w(uint16(0))
	w(uint16(0))
	w(uint16(0))
	w(uint16(2))
	w(uint16(257))
	w(uint16(2))
	w([]byte{0x00, 0x10})
	w(uint16(258))
	w(uint16(2))
	w([]byte{0x00, 0xff})
	w(uint8(1))

	data := body.Bytes()[:body.Len()-cut]
	var pkt bytes.Buffer
	_ = binary.Write(&pkt, binary.BigEndian, uint32(0))
	_ = binary.Write(&pkt, binary.BigEndian, uint32(len(data)))
	pkt.Write(data)
	_ = binary.Write(&pkt, binary.BigEndian, uint32(crc16IBM(data)))
	return pkt.Bytes()
}

func TestDecodeCodec8Extended_VariableLengthElements(t *testing.T) {
	recs, err := DecodeCodec8(codec8EPacket(0))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	ev := Normalize(domain.ProtocolTeltonika, recs[0], time.Now())

	if ev.EngineOn == nil || !*ev.EngineOn {
		t.Errorf("engine should be on")
	}
	if ev.Extras["io_257"] != "0010" || ev.Extras["io_258"] != "00ff" {
		t.Errorf("variable-length extras = %v, %v", ev.Extras["io_257"], ev.Extras["io_258"])
	}
}

func TestDecodeCodec8Extended_ShortElement(t *testing.T) {
	// the trailer count and the last element's final byte are missing
	if _, err := DecodeCodec8(codec8EPacket(2)); err == nil {
		t.Fatal("expected an error for a truncated element")
	}
}

func TestTeltonikaFallsBackToTopLevelFields(t *testing.T) {
	rec := domain.RawRecord{
		"timestamp": "2024-05-01T10:00:00Z",
		"lat":       1.5, "lng": 2.5,
		"speed": 30.0,
		"fuel":  80.0,
		"io":    map[string]any{"999": 7.0},
	}
	ev := Normalize(domain.ProtocolTeltonika, rec, time.Now())
	if ev.SpeedKmh != 30 || ev.FuelLevel == nil || *ev.FuelLevel != 80 {
		t.Fatalf("fallback fields not used: %+v", ev)
	}
	if ev.Extras["io_999"] != 7.0 {
		t.Errorf("unmapped io element should land in extras, got %v", ev.Extras)
	}
}

const gt06LocationPacket = "78781F12180A0F081E00C9026B3FF80C3CB73C3C147B01CC0027BA000DEB000190130D0A"
const gt06Login = "78780D01012345678901234500018CDD0D0A"

func TestDecodeGT06_Location(t *testing.T) {
	recs, err := DecodeGT06(mustHex(t, gt06Login+gt06LocationPacket))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("login packet should be skipped, got %d records", len(recs))
	}

	ev := Normalize(domain.ProtocolConcox, recs[0], time.Now())
	if !ev.Timestamp.Equal(time.Date(2024, 10, 15, 8, 30, 0, 0, time.UTC)) {
		t.Errorf("timestamp = %v", ev.Timestamp)
	}
	if math.Abs(ev.Latitude-22.5462) > 1e-5 || math.Abs(ev.Longitude-114.0587) > 1e-5 {
		t.Errorf("position = %v,%v", ev.Latitude, ev.Longitude)
	}
	if ev.SpeedKmh != 60 || ev.Heading != 123 {
		t.Errorf("speed/course = %v/%v", ev.SpeedKmh, ev.Heading)
	}
	if ev.Satellites == nil || *ev.Satellites != 9 {
		t.Errorf("satellites = %v", ev.Satellites)
	}
	if ev.FuelLevel != nil {
		t.Errorf("concox never reports fuel")
	}
	if ev.Extras["mcc"] != float64(460) {
		t.Errorf("mcc extra = %v", ev.Extras["mcc"])
	}
}

func TestDecodeGT06_BadCRC(t *testing.T) {
	bad := gt06LocationPacket[:len(gt06LocationPacket)-8] + "0000" + "0D0A"
	if _, err := DecodeGT06(mustHex(t, bad)); !errors.Is(err, ErrGT06CRC) {
		t.Fatalf("expected crc error, got %v", err)
	}
}

func TestConcoxFuelAlwaysNil(t *testing.T) {
	ev := Normalize(domain.ProtocolConcox, domain.RawRecord{"lat": 1.0, "lng": 1.0, "fuel": 50.0, "acc": true}, time.Now())
	if ev.FuelLevel != nil {
		t.Fatalf("fuel should be nil, got %v", *ev.FuelLevel)
	}
	if ev.EngineOn == nil || !*ev.EngineOn {
		t.Errorf("acc should map to engine on")
	}
}
