package protocol

// Fixed register addresses in the D2-Modbus address space. The SOC register,
// scale, and offset are configurable at startup for firmware variants that
// place SOC elsewhere or scale it differently.
const (
	RegisterCellVoltageBase = 0x0000
	RegisterTemperatureBase = 0x0020
	RegisterTotalVoltage    = 0x0028
	RegisterCurrent         = 0x0029
	RegisterSOCDefault      = 0x002C
	RegisterMosfetStatus    = 0x002D
	RegisterFaultBitmap     = 0x003A

	// BulkReadCount is the number of registers covered by a single opportunistic
	// bulk read starting at RegisterCellVoltageBase.
	BulkReadCount = 62

	// CellCount and TemperatureSensorCount are the number of cell-voltage and
	// temperature registers decoded. The per-register read fallback reads
	// TemperatureSensorCount temperature registers and no cell registers.
	CellCount              = 8
	TemperatureSensorCount = 4
)

// Slave and function codes for the D2-Modbus dialect.
const (
	SlaveAddress   byte = 0xD2
	FuncReadRegs   byte = 0x03
	FuncException  byte = 0x83
	CurrentZero         = 30000
	VoltageScale        = 0.1
	CellScale           = 0.001
	TemperatureDivisor  = 10.0
	TemperatureOffsetK  = 273.1
	TemperatureMin      = -40.0
	TemperatureMax      = 120.0
)

// RegisterMap holds the (mostly fixed, partly configurable) register layout
// for one BMS firmware variant.
type RegisterMap struct {
	CellVoltageBase uint16
	TemperatureBase uint16
	TotalVoltage    uint16
	Current         uint16
	SOCRegister     uint16
	SOCScale        float64
	SOCOffset       float64
	MosfetStatus    uint16
	FaultBitmap     uint16
}

// DefaultRegisterMap returns the stock Daly D2-Modbus register layout with
// soc_scale=0.1 and soc_offset=0, matching the firmware the spec was
// reverse-engineered against.
func DefaultRegisterMap() RegisterMap {
	return RegisterMap{
		CellVoltageBase: RegisterCellVoltageBase,
		TemperatureBase: RegisterTemperatureBase,
		TotalVoltage:    RegisterTotalVoltage,
		Current:         RegisterCurrent,
		SOCRegister:     RegisterSOCDefault,
		SOCScale:        0.1,
		SOCOffset:       0.0,
		MosfetStatus:    RegisterMosfetStatus,
		FaultBitmap:     RegisterFaultBitmap,
	}
}
