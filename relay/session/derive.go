// Package session derives the isolation keys a reasoning backend uses for
// conversational context. Derivation is pure: the same caller and thread
// always map to the same key, and different pairs never share one.
package session

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strings"

	contractx "github.com/tanpawarit/agent-relay/relay/contract"
)

const (
	DefaultThread = "default"

	// hosted agent runtimes reject session ids shorter than this
	minKeyLength = 33
	maxPartLen   = 24
	digestLen    = 16
)

// Derive maps (source, caller, thread) to a SessionContext. An empty thread
// falls back to a per-caller default key, never shared across callers.
func Derive(source, callerID, threadID string) contractx.SessionContext {
	source = strings.TrimSpace(source)
	callerID = strings.TrimSpace(callerID)
	threadID = strings.TrimSpace(threadID)

	hasThread := threadID != ""
	thread := threadID
	if !hasThread {
		thread = DefaultThread
	}

	sessionDigest := digest("session", hasThread, source, callerID, threadID)
	memoryDigest := digest("memory", true, source, callerID)

	sessionKey := join(sanitize(source), sanitize(callerID), sanitize(thread), sessionDigest)
	memoryKey := join(sanitize(source), sanitize(callerID), memoryDigest)

	return contractx.SessionContext{
		SessionKey: pad(sessionKey),
		MemoryKey:  pad(memoryKey),
	}
}

// digest hashes the length-prefixed raw parts, so sanitization collapsing two
// inputs to the same readable prefix never merges their keys.
func digest(kind string, hasThread bool, parts ...string) string {
	h := sha256.New()
	h.Write([]byte(kind))
	if hasThread {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	var lenBuf [8]byte
	for _, p := range parts {
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(p)))
		h.Write(lenBuf[:])
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))[:digestLen]
}

func sanitize(part string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(part) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == ' ' || r == '/' || r == ':':
			b.WriteByte('_')
		}
		if b.Len() >= maxPartLen {
			break
		}
	}
	if b.Len() == 0 {
		return "x"
	}
	return b.String()
}

func join(parts ...string) string {
	return strings.Join(parts, "-")
}

func pad(key string) string {
	if len(key) >= minKeyLength {
		return key
	}
	return key + strings.Repeat("0", minKeyLength-len(key))
}
