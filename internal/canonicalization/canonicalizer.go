// Package canonicalization provides deterministic serialization and hashing
// for telemetry observation.
//
// Canonical forms enable byte-stable comparison of tool inputs across runs:
// the same logical parameter tree always serializes to the same bytes, and
// therefore always hashes to the same input hash. This is the foundation of
// pattern mining (identical inputs must collide) and of the duplicate
// detection performed by the event store.
//
// This package provides pure utility functions that operate on primitives
// (maps, strings, bytes) rather than domain types, making it reusable across
// event construction, export, and validation.
//
// Key functions:
//   - CanonicalJSON: Deterministic serialization (sorted keys, normalized numbers)
//   - InputHash: 64-bit stable digest of a canonicalized parameter tree
//   - DeriveSlug: Stable composite-tool identifier from constituent tool names
package canonicalization

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

const (
	// InputHashLength is the hex-encoded length of an input hash.
	// Must match database schema: events.input_hash CHAR(16).
	InputHashLength = 16

	inputHashBytes = 8

	// MaxSlugLength is the maximum length for derived tool slugs.
	// Must match database schema: tool_records.slug VARCHAR(255).
	MaxSlugLength = 255
)

// Sentinel errors for canonicalization operations.
var (
	// ErrUnsupportedValue is returned when a value cannot be canonically serialized.
	ErrUnsupportedValue = errors.New("value cannot be canonically serialized")

	// ErrEmptyToolList is returned when slug derivation receives no tool names.
	ErrEmptyToolList = errors.New("slug derivation requires at least one tool name")
)

// CanonicalJSON serializes a value to canonical JSON bytes.
//
// Canonical form rules:
//   - Object keys sorted lexicographically at every nesting level
//   - No insignificant whitespace
//   - Numbers normalized: integral values render without fraction or
//     exponent ("3", not "3.0" or "3e0"), non-integral values render in
//     Go's shortest round-trippable form
//   - Strings escaped per encoding/json
//
// The same logical tree always produces the same bytes, regardless of map
// iteration order or the numeric type the caller happened to use.
//
// Accepts the value shapes produced by encoding/json decoding (nil, bool,
// string, float64, json.Number, []any, map[string]any) plus native Go
// integers and floats. Other types are serialized via encoding/json first,
// which re-enters through the decoded shape.
func CanonicalJSON(value any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, value); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// InputHash computes the stable 64-bit digest of a parameter tree.
//
// Formula: first 8 bytes of SHA256(CanonicalJSON(params)), hex-encoded.
//
// Properties:
//   - Deterministic: identical canonicalized inputs produce identical hashes
//   - Stable across processes and runs (no per-process seed)
//   - 16 lowercase hex characters, matching the events.input_hash column
//
// Example:
//
//	h1, _ := InputHash(map[string]any{"b": 2, "a": 1})
//	h2, _ := InputHash(map[string]any{"a": 1, "b": 2})
//	h1 == h2 // true (key order is irrelevant)
func InputHash(params map[string]any) (string, error) {
	canonical, err := CanonicalJSON(params)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(canonical)

	return hex.EncodeToString(sum[:inputHashBytes]), nil
}

// DeriveSlug derives a composite-tool slug from constituent tool names.
//
// Formula: lowercase tool names joined with "-", non-alphanumeric runs
// collapsed to a single "_" within each name.
//
// Purpose: gives every synthesized tool a human-readable, deterministic
// identifier. A chain that reappears after retirement derives the same base
// slug; the registry disambiguates via version counters or a fresh suffix.
//
// Examples:
//   - DeriveSlug([]string{"search", "read", "summarize"}) → "search-read-summarize"
//   - DeriveSlug([]string{"fs.read", "fs.write"}) → "fs_read-fs_write"
//
// Returns ErrEmptyToolList when no tool names are provided.
func DeriveSlug(tools []string) (string, error) {
	if len(tools) == 0 {
		return "", ErrEmptyToolList
	}

	parts := make([]string, 0, len(tools))
	for _, tool := range tools {
		parts = append(parts, slugifyToolName(tool))
	}

	slug := strings.Join(parts, "-")

	// Pragmatic length handling: truncate if too long. The uniqueness
	// guarantee comes from the registry, not from the slug alone.
	if len(slug) > MaxSlugLength {
		slug = slug[:MaxSlugLength]
	}

	return slug, nil
}

// slugifyToolName lowercases a tool name and collapses every run of
// non-alphanumeric characters to a single underscore.
func slugifyToolName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))

	var (
		b        strings.Builder
		lastSkip bool
	)

	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)

			lastSkip = false
		default:
			if !lastSkip && b.Len() > 0 {
				b.WriteByte('_')
			}

			lastSkip = true
		}
	}

	return strings.TrimSuffix(b.String(), "_")
}

// writeCanonical recursively writes the canonical form of value into buf.
func writeCanonical(buf *bytes.Buffer, value any) error {
	switch v := value.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if v {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		return writeEscapedString(buf, v)
	case json.Number:
		return writeNumber(buf, v.String())
	case float64:
		return writeFloat(buf, v)
	case float32:
		return writeFloat(buf, float64(v))
	case int:
		buf.WriteString(strconv.FormatInt(int64(v), 10))
	case int32:
		buf.WriteString(strconv.FormatInt(int64(v), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(v, 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(v, 10))
	case []any:
		buf.WriteByte('[')

		for i, item := range v {
			if i > 0 {
				buf.WriteByte(',')
			}

			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}

		buf.WriteByte(']')
	case map[string]any:
		return writeCanonicalObject(buf, v)
	default:
		// Fall back through encoding/json for struct types and typed maps:
		// decoding the marshaled bytes yields the supported shapes above.
		return writeViaJSON(buf, value)
	}

	return nil
}

// writeCanonicalObject writes a map with lexicographically sorted keys.
func writeCanonicalObject(buf *bytes.Buffer, obj map[string]any) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	buf.WriteByte('{')

	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}

		if err := writeEscapedString(buf, k); err != nil {
			return err
		}

		buf.WriteByte(':')

		if err := writeCanonical(buf, obj[k]); err != nil {
			return err
		}
	}

	buf.WriteByte('}')

	return nil
}

// writeViaJSON round-trips a value through encoding/json to reduce it to the
// canonical value shapes, preserving integer precision with json.Number.
func writeViaJSON(buf *bytes.Buffer, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnsupportedValue, err)
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var decoded any
	if err := decoder.Decode(&decoded); err != nil {
		return fmt.Errorf("%w: %w", ErrUnsupportedValue, err)
	}

	return writeCanonical(buf, decoded)
}

// writeEscapedString writes a JSON-escaped string using encoding/json rules.
func writeEscapedString(buf *bytes.Buffer, s string) error {
	escaped, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnsupportedValue, err)
	}

	buf.Write(escaped)

	return nil
}

// writeNumber writes a textual number in normalized form.
func writeNumber(buf *bytes.Buffer, text string) error {
	if i, err := strconv.ParseInt(text, 10, 64); err == nil {
		buf.WriteString(strconv.FormatInt(i, 10))

		return nil
	}

	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return fmt.Errorf("%w: invalid number %q", ErrUnsupportedValue, text)
	}

	return writeFloat(buf, f)
}

// writeFloat writes a float in normalized form: integral values render as
// integers, everything else in the shortest round-trippable representation.
// NaN and infinities are not representable in JSON and are rejected.
func writeFloat(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("%w: non-finite number", ErrUnsupportedValue)
	}

	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		buf.WriteString(strconv.FormatInt(int64(f), 10))

		return nil
	}

	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))

	return nil
}
