package tlsconf

import (
	"golang.org/x/crypto/cryptobyte"
)

// TLS constants for the ClientHello walk.
const (
	recordTypeHandshake  = 0x16
	handshakeClientHello = 0x01
	extensionServerName  = 0x0000
	sniTypeHostname      = 0x00
)

// SniffClientHello extracts the server_name extension from a raw TLS
// record. The input must start at the record header and contain at
// least the full ClientHello; short or malformed input returns
// ok=false without consuming anything.
func SniffClientHello(record []byte) (sni string, ok bool) {
	s := cryptobyte.String(record)

	var recordType uint8
	var legacyVersion uint16
	var body cryptobyte.String
	if !s.ReadUint8(&recordType) ||
		recordType != recordTypeHandshake ||
		!s.ReadUint16(&legacyVersion) ||
		!s.ReadUint16LengthPrefixed(&body) {
		return "", false
	}

	var msgType uint8
	var hello cryptobyte.String
	if !body.ReadUint8(&msgType) ||
		msgType != handshakeClientHello ||
		!body.ReadUint24LengthPrefixed(&hello) {
		return "", false
	}

	var clientVersion uint16
	var random []byte
	var sessionID, cipherSuites, compressionMethods cryptobyte.String
	if !hello.ReadUint16(&clientVersion) ||
		!hello.ReadBytes(&random, 32) ||
		!hello.ReadUint8LengthPrefixed(&sessionID) ||
		!hello.ReadUint16LengthPrefixed(&cipherSuites) ||
		!hello.ReadUint8LengthPrefixed(&compressionMethods) {
		return "", false
	}

	if hello.Empty() {
		return "", false
	}
	var extensions cryptobyte.String
	if !hello.ReadUint16LengthPrefixed(&extensions) {
		return "", false
	}

	for !extensions.Empty() {
		var extType uint16
		var extData cryptobyte.String
		if !extensions.ReadUint16(&extType) ||
			!extensions.ReadUint16LengthPrefixed(&extData) {
			return "", false
		}
		if extType != extensionServerName {
			continue
		}

		var nameList cryptobyte.String
		if !extData.ReadUint16LengthPrefixed(&nameList) {
			return "", false
		}
		for !nameList.Empty() {
			var nameType uint8
			var hostName cryptobyte.String
			if !nameList.ReadUint8(&nameType) ||
				!nameList.ReadUint16LengthPrefixed(&hostName) {
				return "", false
			}
			if nameType == sniTypeHostname && len(hostName) > 0 {
				return string(hostName), true
			}
		}
	}
	return "", false
}
