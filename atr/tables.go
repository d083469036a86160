package atr

// rids maps the first 5 bytes of an application identifier (uppercase hex) to
// the registered application provider.
var rids = map[string]string{
	"A000000306": "NXP (PC/SC standard)",
	"A000000003": "Visa",
	"A000000004": "Mastercard",
	"A000000025": "American Express",
	"A000000065": "JCB",
	"A000000152": "Discover",
	"A000000396": "FeliCa Networks",
	"D276000085": "NXP Semiconductors",
}

// standards maps the PC/SC storage-card standard code to its name.
var standards = map[byte]string{
	0x00: "No information",
	0x01: "ISO 14443 A, Part 1",
	0x02: "ISO 14443 A, Part 2",
	0x03: "ISO 14443 A, Part 3",
	0x05: "ISO 14443 B, Part 1",
	0x06: "ISO 14443 B, Part 2",
	0x07: "ISO 14443 B, Part 3",
	0x09: "ISO 15693, Part 1",
	0x0A: "ISO 15693, Part 2",
	0x0B: "ISO 15693, Part 3",
	0x0C: "ISO 15693, Part 4",
	0x0D: "Contact (7816-10) I2C",
	0x0E: "Contact (7816-10) Extended I2C",
	0x0F: "Contact (7816-10) 2WBP",
	0x10: "Contact (7816-10) 3WBP",
	0x11: "FeliCa",
}

// cardNames maps the PC/SC storage-card name code to the card family.
var cardNames = map[uint16]string{
	0x0000: "No information",
	0x0001: "MIFARE Classic 1K",
	0x0002: "MIFARE Classic 4K",
	0x0003: "MIFARE Ultralight",
	0x0004: "SLE55R_XXXX",
	0x0006: "SR176",
	0x0007: "SRI/SRIX4K",
	0x0008: "AT88RF020",
	0x0009: "AT88SC0204CRF",
	0x000A: "AT88SC0808CRF",
	0x000B: "AT88SC1616CRF",
	0x000C: "AT88SC3216CRF",
	0x000D: "AT88SC6416CRF",
	0x000E: "SRF55V10P",
	0x000F: "SRF55V02P",
	0x0010: "SRF55V10S",
	0x0011: "SRF55V02S",
	0x0012: "TAG IT",
	0x0013: "LRI512",
	0x0014: "I-CODE SLI",
	0x0016: "I-CODE1",
	0x0021: "LRI64",
	0x0024: "LRI2K",
	0x0025: "LRI1K",
	0x0026: "MIFARE Mini",
	0x0030: "Topaz / Jewel",
	0x0036: "MIFARE Plus SL1 2K",
	0x0037: "MIFARE Plus SL1 4K",
	0x0038: "MIFARE Plus SL2 2K",
	0x0039: "MIFARE Plus SL2 4K",
	0x003A: "MIFARE Ultralight C",
	0x003B: "FeliCa",
}
