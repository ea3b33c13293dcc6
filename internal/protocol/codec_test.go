package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildReadRequest_CRCRoundTrip(t *testing.T) {
	for addr := uint16(0); addr < 2000; addr += 137 {
		for count := uint16(1); count <= 125; count += 31 {
			req := BuildReadRequest(addr, count)
			require.Len(t, req, 8)
			crc := crc16Modbus(req[:6])
			assert.Equal(t, byte(crc), req[6])
			assert.Equal(t, byte(crc>>8), req[7])
		}
	}
}

func canonicalBulkPayload() []byte {
	payload := make([]byte, BulkReadCount*2)
	// eight cells of 3.300V = 0x0CE4
	for i := 0; i < 8; i++ {
		payload[i*2] = 0x0C
		payload[i*2+1] = 0xE4
	}
	// temperature sensor 0 @ 0x20*2=64: 2974 -> 24.3C
	payload[64] = 0x0B
	payload[65] = 0x9E
	// total voltage @ 0x28*2=80: 265 -> 26.5V
	payload[80] = 0x01
	payload[81] = 0x09
	// current @ 0x29*2=82: 30000 -> idle
	payload[82] = 0x75
	payload[83] = 0x30
	return payload
}

func wrapResponse(payload []byte) []byte {
	resp := []byte{SlaveAddress, FuncReadRegs, byte(len(payload))}
	resp = append(resp, payload...)
	crc := crc16Modbus(resp)
	resp = append(resp, byte(crc), byte(crc>>8))
	return resp
}

func TestParseResponse_CorruptionRejected(t *testing.T) {
	rm := DefaultRegisterMap()
	good := wrapResponse([]byte{0x01, 0x09})

	// Flipping a non-CRC byte must be rejected (either CRC mismatch or
	// structural rejection), flipping a CRC byte must CRC-mismatch.
	for i := range good {
		corrupt := append([]byte(nil), good...)
		corrupt[i] ^= 0xFF
		_, err := ParseResponse(rm, rm.TotalVoltage, 1, corrupt)
		require.Error(t, err, "byte %d should be rejected", i)
		if i >= len(good)-2 {
			assert.ErrorIs(t, err, ErrCrcMismatch)
		}
	}
}

func TestCurrentEncodingSymmetry(t *testing.T) {
	for raw := 0; raw <= 60000; raw += 977 {
		payload := []byte{byte(raw >> 8), byte(raw)}
		current, dir, ok := DecodeCurrent(payload)
		require.True(t, ok)
		reraw := EncodeCurrentRaw(current)
		assert.Equal(t, uint16(raw), reraw)
		if raw < CurrentZero {
			assert.Equal(t, "charging", string(dir))
		} else {
			assert.NotEqual(t, "charging", string(dir))
		}
	}
}

func TestEstimateSOCClamp(t *testing.T) {
	assert.Equal(t, 0.0, EstimateSOC(20.0, 24.0, 29.2))
	assert.Equal(t, 0.0, EstimateSOC(24.0, 24.0, 29.2))
	assert.Equal(t, 100.0, EstimateSOC(29.2, 24.0, 29.2))
	assert.Equal(t, 100.0, EstimateSOC(35.0, 24.0, 29.2))

	prev := -1.0
	for v := 24.0; v <= 29.2; v += 0.2 {
		soc := EstimateSOC(v, 24.0, 29.2)
		assert.GreaterOrEqual(t, soc, prev)
		prev = soc
	}
}

func TestBulkExtract_ScenarioS1(t *testing.T) {
	rm := DefaultRegisterMap()
	rec := BulkExtract(rm, canonicalBulkPayload())

	require.NotNil(t, rec.Voltage)
	assert.InDelta(t, 26.5, *rec.Voltage, 0.0001)

	require.NotNil(t, rec.Current)
	assert.InDelta(t, 0.0, *rec.Current, 0.0001)
	require.NotNil(t, rec.Direction)
	assert.Equal(t, "idle", string(*rec.Direction))

	require.Len(t, rec.Cells, 8)
	for _, c := range rec.Cells {
		assert.InDelta(t, 3.300, c, 0.0001)
	}

	require.NotNil(t, rec.Temperature)
	assert.InDelta(t, 24.3, *rec.Temperature, 0.01)
}

func TestBulkExtract_ScenarioS2Charging(t *testing.T) {
	rm := DefaultRegisterMap()
	payload := canonicalBulkPayload()
	raw := 29900
	payload[82] = byte(raw >> 8)
	payload[83] = byte(raw)

	rec := BulkExtract(rm, payload)
	require.NotNil(t, rec.Current)
	assert.InDelta(t, -10.0, *rec.Current, 0.0001)
	require.NotNil(t, rec.Direction)
	assert.Equal(t, "charging", string(*rec.Direction))

	power := *rec.Voltage * *rec.Current
	assert.InDelta(t, -265.0, power, 0.01)
}

func TestBulkPerRegisterParity(t *testing.T) {
	rm := DefaultRegisterMap()
	payload := canonicalBulkPayload()
	bulk := BulkExtract(rm, payload)

	voltResp := wrapResponse(payload[rm.TotalVoltage*2 : rm.TotalVoltage*2+2])
	perReg, err := ParseResponse(rm, rm.TotalVoltage, 1, voltResp)
	require.NoError(t, err)

	require.NotNil(t, bulk.Voltage)
	require.NotNil(t, perReg.Voltage)
	assert.Equal(t, *bulk.Voltage, *perReg.Voltage)
}

func TestIsEcho(t *testing.T) {
	req := BuildReadRequest(0, 1)
	assert.True(t, IsEcho(req, req))
	other := BuildReadRequest(1, 1)
	assert.False(t, IsEcho(req, other))
}

func TestParseResponse_TooShort(t *testing.T) {
	rm := DefaultRegisterMap()
	_, err := ParseResponse(rm, rm.TotalVoltage, 1, []byte{0xD2, 0x03})
	assert.ErrorIs(t, err, ErrTooShort)
}

func TestParseResponse_ModbusException(t *testing.T) {
	rm := DefaultRegisterMap()
	resp := []byte{SlaveAddress, FuncException, 0x02}
	crc := crc16Modbus(resp)
	resp = append(resp, byte(crc), byte(crc>>8))

	_, err := ParseResponse(rm, rm.TotalVoltage, 1, resp)
	var exc *ModbusException
	require.ErrorAs(t, err, &exc)
	assert.Equal(t, byte(0x02), exc.Code)
}

func TestScanSOCCandidates(t *testing.T) {
	rm := DefaultRegisterMap()
	payload := canonicalBulkPayload()
	// SOC register (0x2C) -> raw 500 -> 50.0% at scale 0.1
	off := int(rm.SOCRegister) * 2
	payload[off] = 0x01
	payload[off+1] = 0xF4

	candidates := ScanSOCCandidates(rm, payload, rm.SOCScale, rm.SOCOffset)
	require.NotEmpty(t, candidates)
	found := false
	for _, c := range candidates {
		if c.Register == rm.SOCRegister {
			found = true
			assert.True(t, c.Selected)
			assert.InDelta(t, 50.0, c.Value, 0.01)
		}
	}
	assert.True(t, found)
}
