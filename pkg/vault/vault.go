// Package vault is the write-only credential facade sitting between the
// HTTP surface and pkg/store's credential table. Connectors read secrets
// through GetForExecution; nothing above the vault ever sees a raw
// payload, and there is no exported lookup that returns one to a caller
// outside this package.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"edon/pkg/models"
)

// ErrCredentialMissing is returned by GetForExecution when no credential
// row exists for the tool/tenant pair and strict mode forbids any
// fallback.
var ErrCredentialMissing = errors.New("vault: credential missing")

// ErrEnvFallbackDisabled distinguishes the strict-mode refusal from a
// plain not-found, for callers that want to log which path was denied.
var ErrEnvFallbackDisabled = fmt.Errorf("%w: env fallback disabled by CREDENTIALS_STRICT", ErrCredentialMissing)

type credentialStore interface {
	SaveCredential(ctx context.Context, c models.Credential) (models.Credential, error)
	DeleteCredential(ctx context.Context, credentialID string) error
	GetCredentialByID(ctx context.Context, credentialID string) (models.Credential, error)
	GetCredentialByTool(ctx context.Context, toolName, tenantID string) (models.Credential, error)
	RecordCredentialResult(ctx context.Context, credentialID string, success bool, errMsg string) error
}

// EnvFallback resolves a tool's credential payload from the process
// environment when no database row exists. Only consulted when Strict
// is false. Returning ok=false means no fallback is available.
type EnvFallback func(toolName string) (payload map[string]any, ok bool)

// Vault mediates credential storage and lookup. Strict mirrors
// CREDENTIALS_STRICT: when true, GetForExecution never consults Env and
// fails closed on a miss.
type Vault struct {
	Store  credentialStore
	Strict bool
	Env    EnvFallback

	// EncryptionKey, when 32 bytes, enables AES-256-GCM envelope
	// encryption of payloads at rest. Nil disables encryption; payloads
	// are stored as plain JSON with Encrypted=false.
	EncryptionKey []byte
}

// Handle is the least a Connector needs to authenticate against a
// downstream tool. It never round-trips back out over HTTP.
type Handle struct {
	CredentialID string
	ToolName     string
	TenantID     string
	Payload      map[string]any
	FromEnv      bool
}

// Set upserts a tenant-scoped credential payload for tool. An empty
// tenantID stores a global credential, matching the strict-match
// (tool_name, tenant_id) lookup GetForExecution performs — a global
// credential is never used as a fallback for a tenant-scoped lookup.
func (v *Vault) Set(ctx context.Context, tenantID, toolName string, payload map[string]any) (models.Credential, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return models.Credential{}, fmt.Errorf("vault: marshal payload: %w", err)
	}

	c := models.Credential{TenantID: tenantID, ToolName: toolName}
	if len(v.EncryptionKey) == 32 {
		sealed, err := seal(v.EncryptionKey, raw)
		if err != nil {
			return models.Credential{}, fmt.Errorf("vault: seal payload: %w", err)
		}
		c.Payload = sealed
		c.Encrypted = true
	} else {
		c.Payload = raw
		c.Encrypted = false
	}

	return v.Store.SaveCredential(ctx, c)
}

// Delete removes a credential by id. It never returns the payload it
// deleted.
func (v *Vault) Delete(ctx context.Context, credentialID string) error {
	return v.Store.DeleteCredential(ctx, credentialID)
}

// GetForExecution resolves the credential a Connector should use to
// invoke toolName on behalf of tenantID. Lookup is a strict
// (tool_name, tenant_id) match against the store; a global credential
// (tenant_id NULL) is only used when tenantID itself is empty, and a
// credential saved for one tenant is never handed to another tenant's
// request. When the store has no matching row:
//   - Strict=true: returns ErrEnvFallbackDisabled, no exceptions.
//   - Strict=false: consults Env, if set; ErrCredentialMissing otherwise.
func (v *Vault) GetForExecution(ctx context.Context, toolName, tenantID string) (Handle, error) {
	c, err := v.Store.GetCredentialByTool(ctx, toolName, tenantID)
	if err == nil {
		payload, derr := v.decode(c)
		if derr != nil {
			return Handle{}, fmt.Errorf("vault: decode credential %s: %w", c.CredentialID, derr)
		}
		normalize(payload)
		return Handle{CredentialID: c.CredentialID, ToolName: c.ToolName, TenantID: c.TenantID, Payload: payload}, nil
	}

	if v.Strict {
		return Handle{}, ErrEnvFallbackDisabled
	}
	if v.Env == nil {
		return Handle{}, ErrCredentialMissing
	}
	payload, ok := v.Env(toolName)
	if !ok {
		return Handle{}, ErrCredentialMissing
	}
	normalize(payload)
	return Handle{ToolName: toolName, TenantID: tenantID, Payload: payload, FromEnv: true}, nil
}

// GetByID resolves a specific credential by id directly, bypassing the
// tool/tenant lookup. Used only for the DEFAULT_CLAWDBOT_CREDENTIAL_ID
// configuration fallback; no HTTP handler may call this.
func (v *Vault) GetByID(ctx context.Context, credentialID string) (Handle, error) {
	c, err := v.Store.GetCredentialByID(ctx, credentialID)
	if err != nil {
		return Handle{}, err
	}
	payload, err := v.decode(c)
	if err != nil {
		return Handle{}, fmt.Errorf("vault: decode credential %s: %w", c.CredentialID, err)
	}
	normalize(payload)
	return Handle{CredentialID: c.CredentialID, ToolName: c.ToolName, TenantID: c.TenantID, Payload: payload}, nil
}

// RecordResult logs the outcome of a Connector's use of a credential.
// It is a no-op for env-sourced or inline handles, which have no row
// to update.
func (v *Vault) RecordResult(ctx context.Context, h Handle, success bool, errMsg string) {
	if h.FromEnv || h.CredentialID == "" {
		return
	}
	_ = v.Store.RecordCredentialResult(ctx, h.CredentialID, success, errMsg)
}

// normalize folds legacy field names onto their current equivalents so
// every Connector can read a single canonical key regardless of which
// name the credential was originally saved under.
func normalize(payload map[string]any) {
	alias(payload, "base_url", "gateway_url", "url")
	alias(payload, "secret", "gateway_token", "token", "password")
}

func alias(payload map[string]any, canonical string, legacy ...string) {
	if v, ok := payload[canonical]; ok && v != nil && v != "" {
		return
	}
	for _, name := range legacy {
		if v, ok := payload[name]; ok && v != nil && v != "" {
			payload[canonical] = v
			return
		}
	}
}

func (v *Vault) decode(c models.Credential) (map[string]any, error) {
	raw := c.Payload
	if c.Encrypted {
		if len(v.EncryptionKey) != 32 {
			return nil, errors.New("credential is encrypted but no encryption key is configured")
		}
		opened, err := open(v.EncryptionKey, raw)
		if err != nil {
			return nil, err
		}
		raw = opened
	}
	payload := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

// seal encrypts plaintext with AES-256-GCM, prefixing the nonce.
func seal(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// open reverses seal.
func open(key, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, errors.New("sealed payload too short")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// EnvFallbackFromLookup builds an EnvFallback over a simple
// os.LookupEnv-shaped function, matching the {tool}_gateway style
// environment variables the original deployment used for bootstrap
// (CLAWDBOT_GATEWAY_URL / CLAWDBOT_GATEWAY_TOKEN and friends).
func EnvFallbackFromLookup(lookup func(key string) (string, bool)) EnvFallback {
	return func(toolName string) (map[string]any, bool) {
		prefix := strings.ToUpper(toolName)
		url, urlOK := lookup(prefix + "_GATEWAY_URL")
		token, tokenOK := lookup(prefix + "_GATEWAY_TOKEN")
		if !tokenOK || token == "" {
			return nil, false
		}
		payload := map[string]any{"secret": token, "auth_mode": "token"}
		if urlOK && url != "" {
			payload["base_url"] = url
		}
		return payload, true
	}
}
