package parser

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// CalculateHash generates a stable identifier for the connection parameters
// of the profile. Name, ID and subscription linkage do not participate, so
// the same server imported twice hashes the same.
func (p *Profile) CalculateHash() string {
	var parts []string

	// --- 1. Basic Protocol & Endpoint ---
	parts = append(parts, string(p.Protocol))
	parts = append(parts, strings.ToLower(p.Address))
	parts = append(parts, p.Port)

	// --- 2. Authentication ---
	switch c := p.Credential.(type) {
	case VLESSCredential:
		parts = append(parts, strings.ToLower(c.UUID))
	case VMessCredential:
		cipher := strings.ToLower(c.Cipher)
		if cipher == "" {
			cipher = "auto"
		}
		parts = append(parts, strings.ToLower(c.UUID), strconv.Itoa(c.AlterID), cipher)
	case TrojanCredential:
		parts = append(parts, c.Password)
	case ShadowsocksCredential:
		parts = append(parts, strings.ToLower(c.Method), c.Password, c.Plugin, c.PluginOpts)
	}

	// --- 3. Transport ---
	parts = append(parts, normalizeNetwork(p.Network))

	// "none" and empty mean the same header
	header := strings.ToLower(p.HeaderType)
	if header == "none" {
		header = ""
	}
	parts = append(parts, header, p.Host, p.Path, p.ServiceName, p.Mode, p.Seed)

	// --- 4. Security ---
	parts = append(parts, strings.ToLower(p.Security), p.SNI, p.Flow, p.PublicKey, p.ShortID)

	signature := strings.Join(parts, "|")
	hash := sha256.Sum256([]byte(signature))
	return hex.EncodeToString(hash[:])
}
