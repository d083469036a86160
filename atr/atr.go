// Package atr decodes Answer-To-Reset byte sequences into card metadata.
// Parsing is pure and total: an unparseable or truncated ATR degrades to
// empty fields, it never fails.
package atr

import (
	"fmt"
	"math/bits"
)

// Metadata is the card description derived from an ATR. Fields are best
// effort; any of them may be empty. A Metadata is never mutated after Parse
// returns it.
type Metadata struct {
	CardType        string `json:"cardType,omitempty"`
	Standard        string `json:"standard,omitempty"`
	CardName        string `json:"cardName,omitempty"`
	RID             string `json:"rid,omitempty"`
	HistoricalBytes []byte `json:"historicalBytes,omitempty"`
}

// Compact-TLV tags of interest in the historical bytes.
const (
	categoryCompactTLV = 0x80
	tagApplicationID   = 0x4F
)

// pcscStorageRID is the registered identifier under which the PC/SC standard
// encodes storage-card standard and name codes after the RID.
const pcscStorageRID = "A000000306"

// Parse decodes raw ATR bytes. The low nibble of the second byte counts the
// historical bytes; the chain of interface-byte indicator nibbles starting at
// that same byte locates where they begin. See tables.go for the lookups.
func Parse(raw []byte) Metadata {
	var m Metadata
	if len(raw) < 2 {
		return m
	}

	histCount := int(raw[1] & 0x0F)

	// Walk the indicator chain. Each indicator's bits 0x10/0x20/0x40 flag one
	// interface byte apiece; bit 0x80 flags a follow-on indicator.
	idx := 1
	for {
		ind := raw[idx]
		next := idx + bits.OnesCount8(ind&0x70) + 1
		if ind&0x80 == 0 || next >= len(raw) {
			idx = next
			break
		}
		idx = next
	}

	if histCount > 0 && idx < len(raw) {
		end := idx + histCount
		if end > len(raw) {
			end = len(raw)
		}
		m.HistoricalBytes = append([]byte(nil), raw[idx:end]...)
	}

	// Fixed-position heuristic: the common contactless preamble identifies a
	// proximity card even when no TLV data is present.
	if len(raw) >= 4 && raw[0] == 0x3B && raw[1]&0xF0 == 0x80 && raw[2] == 0x80 && raw[3] == 0x01 {
		m.CardType = "Contactless smart card (ISO 14443)"
	}

	parseHistorical(&m)
	return m
}

// parseHistorical scans compact-TLV historical bytes for the application
// identifier and fills RID, standard and card name from it.
func parseHistorical(m *Metadata) {
	hist := m.HistoricalBytes
	if len(hist) == 0 || hist[0] != categoryCompactTLV {
		return
	}

	i := 1
	for i+1 < len(hist) {
		tag := hist[i]
		length := int(hist[i+1])
		value := hist[i+2:]
		if length < len(value) {
			value = value[:length]
		}
		if tag == tagApplicationID {
			applyApplicationID(m, value)
			return
		}
		i += 2 + length
	}
}

// applyApplicationID decodes an application identifier value: 5 bytes of RID,
// then (for the PC/SC storage-card RID) one standard code byte and two card
// name bytes.
func applyApplicationID(m *Metadata, value []byte) {
	if len(value) < 5 {
		return
	}
	ridHex := fmt.Sprintf("%X", value[:5])
	if name, ok := rids[ridHex]; ok {
		m.RID = name
	} else {
		m.RID = ridHex
	}

	if ridHex != pcscStorageRID {
		return
	}
	if len(value) >= 6 {
		code := value[5]
		if name, ok := standards[code]; ok {
			m.Standard = name
		} else {
			m.Standard = fmt.Sprintf("Standard 0x%02X", code)
		}
	}
	if len(value) >= 8 {
		code := uint16(value[6])<<8 | uint16(value[7])
		if name, ok := cardNames[code]; ok {
			m.CardName = name
		} else {
			m.CardName = fmt.Sprintf("Type 0x%04X", code)
		}
	}
}
