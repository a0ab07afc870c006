package cachekeys

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"strings"

	gateway "github.com/eugener/gandalf/internal"
)

// CacheKeyComponents controls which optional fields participate in a
// response fingerprint. The same request hashes identically whenever the
// configuration is identical -- this is a pure function of
// (payload, model, components), tested as such.
type CacheKeyComponents struct {
	Temperature  bool
	Tools        bool
	SystemPrompt bool
}

// Fingerprint computes the SHA-256 digest identifying a semantically
// equivalent chat completion request for cache lookup. The field stream is
// canonical and order-fixed: model, [temp], [seed], [format], [tools],
// [system], messages -- each field null-terminated, so differing presence
// of later fields cannot be confused with differing content of earlier ones.
func Fingerprint(req *gateway.ChatRequest, model string, comp CacheKeyComponents) string {
	h := sha256.New()

	h.Write([]byte("model:"))
	h.Write([]byte(model))
	h.Write([]byte{0})

	if comp.Temperature {
		h.Write([]byte("temp:"))
		temp := 1.0
		if req.Temperature != nil {
			temp = *req.Temperature
		}
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(temp))
		h.Write(buf[:])
		h.Write([]byte{0})
	}

	if req.Seed != nil {
		h.Write([]byte("seed:"))
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(int64(*req.Seed)))
		h.Write(buf[:])
		h.Write([]byte{0})
	}

	if len(req.ResponseFormat) > 0 {
		h.Write([]byte("format:"))
		h.Write(req.ResponseFormat)
		h.Write([]byte{0})
	}

	if comp.Tools && len(req.Tools) > 0 {
		h.Write([]byte("tools:"))
		h.Write(req.Tools)
		h.Write([]byte{0})
	}

	if comp.SystemPrompt {
		h.Write([]byte("system:"))
		var parts []string
		for _, m := range req.Messages {
			if m.Role == "system" || m.Role == "developer" {
				parts = append(parts, hashMessageContent(m.Content))
			}
		}
		h.Write([]byte(strings.Join(parts, "|")))
		h.Write([]byte{0})
	}

	h.Write([]byte("messages:"))
	parts := make([]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		parts = append(parts, hashMessage(m))
	}
	h.Write([]byte(strings.Join(parts, "|")))

	return hex.EncodeToString(h.Sum(nil))
}

// hashMessage canonically hashes a single message's role, content, name, and
// tool-call fields so structurally-identical messages always hash the same.
func hashMessage(m gateway.Message) string {
	h := sha256.New()
	h.Write([]byte(m.Role))
	h.Write([]byte{0})
	h.Write(m.Content)
	h.Write([]byte{0})
	h.Write([]byte(m.Name))
	h.Write([]byte{0})
	h.Write(m.ToolCalls)
	h.Write([]byte{0})
	h.Write([]byte(m.ToolCallID))
	return hex.EncodeToString(h.Sum(nil))
}

func hashMessageContent(content []byte) string {
	h := sha256.Sum256(content)
	return hex.EncodeToString(h[:])
}
