package backstore

import (
	"encoding/json"

	"github.com/elee1766/gostrata/pkg/ids"
)

// cryptTokenType tags our records in the LUKS2 token area.
const cryptTokenType = "gostrata"

// CryptToken is the identity record stored in an encrypted member's LUKS2
// token area at enrollment. The token area is readable without the key, so
// a startup scan can identify members and locate the pool's keyfile before
// anything is decrypted; the full metadata still lives behind the mapping.
type CryptToken struct {
	Type     string     `json:"type"`
	Keyslots []string   `json:"keyslots"`
	PoolID   ids.PoolID `json:"pool_id"`
	DevID    ids.DevID  `json:"dev_id"`
	PoolName string     `json:"pool_name"`
}

func encodeCryptToken(poolID ids.PoolID, devID ids.DevID, poolName string) (string, error) {
	buf, err := json.Marshal(CryptToken{
		Type:     cryptTokenType,
		Keyslots: []string{},
		PoolID:   poolID,
		DevID:    devID,
		PoolName: poolName,
	})
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// ParseCryptToken decodes a token exported from a device header. Returns
// false for foreign or malformed tokens.
func ParseCryptToken(s string) (*CryptToken, bool) {
	if s == "" {
		return nil, false
	}
	var t CryptToken
	if err := json.Unmarshal([]byte(s), &t); err != nil {
		return nil, false
	}
	if t.Type != cryptTokenType || t.PoolID.IsZero() || t.DevID.IsZero() {
		return nil, false
	}
	return &t, true
}
