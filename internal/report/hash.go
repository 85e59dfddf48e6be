package report

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Hash returns the lowercase hex SHA-256 of the report's JSON encoding.
// Field order follows the struct declaration, so equal reports always hash equally.
// HTML characters are left unescaped to match JSON.stringify.
func Hash(rep Report) (string, error) {
	data, err := canonicalJSON(rep)
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ContentID derives the placeholder storage address used until a real pinning service is wired.
func ContentID(hash string) string {
	if len(hash) > 44 {
		hash = hash[:44]
	}
	return "Qm" + hash
}

func canonicalJSON(rep Report) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rep); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
