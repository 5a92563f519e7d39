package tools

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"

	"github.com/google/uuid"
	"github.com/rendis/toolflow/pkg/schema"
)

// CryptoTools returns the hashing and id tools.
func CryptoTools() []Tool {
	return []Tool{
		&cryptoHashTool{},
		&cryptoHMACTool{},
		&cryptoUUIDTool{},
	}
}

func hashFunc(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case "sha256":
		return sha256.New, nil
	case "sha512":
		return sha512.New, nil
	case "sha384":
		return sha512.New384, nil
	case "md5":
		return md5.New, nil
	case "sha1":
		return sha1.New, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported hash algorithm: %s", algorithm)
	}
}

// dataParam accepts text as-is and encodes anything else as JSON, so a node
// can hash an upstream object directly.
func dataParam(params map[string]schema.Value) []byte {
	v := params["data"]
	if s, ok := v.Str(); ok {
		return []byte(s)
	}
	return []byte(v.AsString())
}

// --- crypto.hash ---

type cryptoHashTool struct{}

func (t *cryptoHashTool) Name() string { return "crypto.hash" }

func (t *cryptoHashTool) Schema() ToolSchema {
	return ToolSchema{Description: "Hash the input data (sha256 by default)."}
}

func (t *cryptoHashTool) Validate(params map[string]schema.Value) error {
	if _, ok := params["data"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "crypto.hash requires 'data'")
	}
	_, err := hashFunc(stringParam(params, "algorithm", "sha256"))
	return err
}

func (t *cryptoHashTool) Execute(_ context.Context, params map[string]schema.Value) (schema.Value, error) {
	algorithm := stringParam(params, "algorithm", "sha256")
	newHash, err := hashFunc(algorithm)
	if err != nil {
		return schema.Value{}, err
	}

	h := newHash()
	h.Write(dataParam(params))
	return schema.Object(map[string]schema.Value{
		"hash":      schema.String(hex.EncodeToString(h.Sum(nil))),
		"algorithm": schema.String(algorithm),
	}), nil
}

// --- crypto.hmac ---

type cryptoHMACTool struct{}

func (t *cryptoHMACTool) Name() string { return "crypto.hmac" }

func (t *cryptoHMACTool) Schema() ToolSchema {
	return ToolSchema{Description: "Compute a hex HMAC of the input data with the given key."}
}

func (t *cryptoHMACTool) Validate(params map[string]schema.Value) error {
	if _, ok := params["data"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "crypto.hmac requires 'data'")
	}
	if err := requireString(t.Name(), params, "key"); err != nil {
		return err
	}
	_, err := hashFunc(stringParam(params, "algorithm", "sha256"))
	return err
}

func (t *cryptoHMACTool) Execute(_ context.Context, params map[string]schema.Value) (schema.Value, error) {
	algorithm := stringParam(params, "algorithm", "sha256")
	newHash, err := hashFunc(algorithm)
	if err != nil {
		return schema.Value{}, err
	}

	mac := hmac.New(newHash, []byte(stringParam(params, "key", "")))
	mac.Write(dataParam(params))
	return schema.Object(map[string]schema.Value{
		"hmac":      schema.String(hex.EncodeToString(mac.Sum(nil))),
		"algorithm": schema.String(algorithm),
	}), nil
}

// --- crypto.uuid ---

type cryptoUUIDTool struct{}

func (t *cryptoUUIDTool) Name() string { return "crypto.uuid" }

func (t *cryptoUUIDTool) Schema() ToolSchema {
	return ToolSchema{Description: "Generate a v4 UUID."}
}

func (t *cryptoUUIDTool) Validate(map[string]schema.Value) error { return nil }

func (t *cryptoUUIDTool) Execute(context.Context, map[string]schema.Value) (schema.Value, error) {
	return schema.Object(map[string]schema.Value{
		"uuid": schema.String(uuid.NewString()),
	}), nil
}
