package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"edon/pkg/models"
)

// redactEvent replaces an AuditEvent's action params and free-text
// context with salted hashes, keeping only what's needed to correlate
// events without retaining the underlying content.
func redactEvent(event models.AuditEvent, salt []byte) models.AuditEvent {
	event.Action = redactAction(event.Action, salt)
	if len(event.Context) > 0 {
		event.Context = hashJSONRaw(event.Context, salt)
	}
	return event
}

func redactAction(action models.Action, salt []byte) models.Action {
	redacted := map[string]interface{}{
		"params_hash": hashJSONRawBytes(action.Params, salt),
	}
	b, err := json.Marshal(redacted)
	if err != nil {
		return action
	}
	action.Params = b
	return action
}

func hashJSONRaw(raw json.RawMessage, salt []byte) json.RawMessage {
	hash := hashJSONRawBytes(raw, salt)
	b, err := json.Marshal(map[string]string{"hash": hash})
	if err != nil {
		return raw
	}
	return b
}

func hashJSONRawBytes(raw []byte, salt []byte) string {
	if len(raw) == 0 {
		return ""
	}
	canon, err := models.CanonicalizeJSONAllowFloat(raw)
	if err != nil {
		return hashBytes(raw, salt)
	}
	return hashBytes(canon, salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
