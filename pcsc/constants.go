package pcsc

// Broker commands. The broker exposes the resource-manager command set of
// PC/SC-lite over the message channel, one command per request envelope.
const (
	CmdEstablishContext = "SCardEstablishContext"
	CmdReleaseContext   = "SCardReleaseContext"
	CmdListReaders      = "SCardListReaders"
	CmdConnect          = "SCardConnect"
	CmdDisconnect       = "SCardDisconnect"
	CmdTransmit         = "SCardTransmit"
	CmdStatus           = "SCardStatus"
	CmdGetStatusChange  = "SCardGetStatusChange"
	CmdCancel           = "SCardCancel"
)

// Share modes
const (
	ShareExclusive uint32 = 1
	ShareShared    uint32 = 2
	ShareDirect    uint32 = 3
)

// Wire protocols
const (
	ProtocolUndefined uint32 = 0
	ProtocolT0        uint32 = 1
	ProtocolT1        uint32 = 2
	ProtocolAny              = ProtocolT0 | ProtocolT1
)

// Disconnect dispositions
const (
	LeaveCard   uint32 = 0
	ResetCard   uint32 = 1
	UnpowerCard uint32 = 2
)

// Reader state bitmask, as reported by GetStatusChange and Status.
const (
	StateUnaware     uint32 = 0x0000
	StateIgnore      uint32 = 0x0001
	StateChanged     uint32 = 0x0002
	StateUnknown     uint32 = 0x0004
	StateUnavailable uint32 = 0x0008
	StateEmpty       uint32 = 0x0010
	StatePresent     uint32 = 0x0020
	StateExclusive   uint32 = 0x0080
	StateInUse       uint32 = 0x0100
	StateMute        uint32 = 0x0200
)

// Broker status codes (result tuple slot 0). Zero means success; the rest
// follow the PC/SC numbering.
const (
	CodeSuccess           uint32 = 0x00000000
	CodeCancelled         uint32 = 0x80100002
	CodeInvalidHandle     uint32 = 0x80100003
	CodeInvalidParameter  uint32 = 0x80100004
	CodeTimeout           uint32 = 0x8010000A
	CodeSharingViolation  uint32 = 0x8010000B
	CodeNoSmartcard       uint32 = 0x8010000C
	CodeUnknownReader     uint32 = 0x80100009
	CodeProtoMismatch     uint32 = 0x8010000F
	CodeReaderUnavailable uint32 = 0x80100017
	CodeNoService         uint32 = 0x8010001D
	CodeNoReaders         uint32 = 0x8010002E
	CodeUnsupportedCard   uint32 = 0x80100065
	CodeUnpoweredCard     uint32 = 0x80100067
	CodeResetCard         uint32 = 0x80100068
	CodeRemovedCard       uint32 = 0x80100069
)

// getUIDAPDU is the fixed PC/SC pseudo-APDU (CLA FF, INS CA) that asks the
// reader for the card's stored identifier.
var getUIDAPDU = []byte{0xFF, 0xCA, 0x00, 0x00, 0x00}

// swSuccess is the only status word accepted from the UID pseudo-APDU.
const swSuccess uint16 = 0x9000
