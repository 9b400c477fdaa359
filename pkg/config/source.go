package config

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const defaultSourceSizeLimit = 8 << 20 // 8 MiB

// SourceDescriptor describes how to obtain and verify a model or policy document.
type SourceDescriptor struct {
	Path        string `json:"path" yaml:"path"`
	SHA256      string `json:"sha256" yaml:"sha256"`
	SizeLimit   int64  `json:"size_limit" yaml:"size_limit"`
	Encoding    string `json:"encoding" yaml:"encoding"`
	Compression string `json:"compression" yaml:"compression"`
}

// Source is a loaded, verified and decoded document.
type Source struct {
	Path   string
	Digest string
	Data   []byte
}

// Validate ensures the descriptor is well formed before loading.
func (d SourceDescriptor) Validate() error {
	if strings.TrimSpace(d.Path) == "" {
		return NewConfigMissingError("path")
	}
	switch normalizedCompression(d.Compression) {
	case "", "gzip":
	default:
		return NewConfigValidationError("compression", d.Compression, "unsupported compression").
			WithSuggestion("Use gzip or leave empty")
	}
	switch normalizedEncoding(d.Encoding) {
	case "", "base64":
	default:
		return NewConfigValidationError("encoding", d.Encoding, "unsupported encoding").
			WithSuggestion("Use base64 or leave empty")
	}
	if d.SizeLimit < 0 {
		return NewConfigValidationError("size_limit", d.SizeLimit, "must not be negative")
	}
	return nil
}

func (d SourceDescriptor) effectiveSizeLimit() int64 {
	if d.SizeLimit > 0 {
		return d.SizeLimit
	}
	return defaultSourceSizeLimit
}

// LoadSource reads, verifies and decodes the document described by desc.
// The digest covers the bytes on disk, before decompression or decoding.
func LoadSource(desc SourceDescriptor) (Source, error) {
	if err := desc.Validate(); err != nil {
		return Source{}, err
	}

	path := filepath.Clean(strings.TrimSpace(desc.Path))
	limit := desc.effectiveSizeLimit()

	data, digest, err := readSource(path, limit, desc.SHA256)
	if err != nil {
		return Source{}, fmt.Errorf("load %s: %w", path, err)
	}

	payload, err := materialize(data, desc, limit)
	if err != nil {
		return Source{}, fmt.Errorf("load %s: %w", path, err)
	}

	return Source{Path: path, Digest: digest, Data: payload}, nil
}

func readSource(path string, limit int64, expectedDigest string) ([]byte, string, error) {
	file, err := os.Open(path) //nolint:gosec // G304: path comes from operator configuration
	if err != nil {
		return nil, "", fmt.Errorf("open: %w", err)
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		return nil, "", fmt.Errorf("stat: %w", err)
	}
	if info.Size() == 0 {
		return nil, "", errors.New("source is empty")
	}
	if info.Size() > limit {
		return nil, "", fmt.Errorf("source exceeds size limit (%d bytes)", limit)
	}

	data, err := io.ReadAll(io.LimitReader(file, limit))
	if err != nil {
		return nil, "", fmt.Errorf("read: %w", err)
	}

	digest := computeSHA256Hex(data)
	if err := verifyDigest(expectedDigest, digest); err != nil {
		return nil, "", err
	}

	return data, digest, nil
}

func materialize(raw []byte, desc SourceDescriptor, limit int64) ([]byte, error) {
	data := raw

	if normalizedCompression(desc.Compression) == "gzip" {
		reader, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decompress gzip: %w", err)
		}
		defer func() { _ = reader.Close() }()
		// Read one byte past the limit to detect oversized payloads.
		decompressed, err := io.ReadAll(io.LimitReader(reader, limit+1))
		if err != nil {
			return nil, fmt.Errorf("read gzip: %w", err)
		}
		if int64(len(decompressed)) > limit {
			return nil, fmt.Errorf("decompressed source exceeds size limit (%d bytes)", limit)
		}
		data = decompressed
	}

	if normalizedEncoding(desc.Encoding) == "base64" {
		trimmed := bytes.TrimSpace(data)
		decoded := make([]byte, base64.StdEncoding.DecodedLen(len(trimmed)))
		n, err := base64.StdEncoding.Decode(decoded, trimmed)
		if err != nil {
			return nil, fmt.Errorf("decode base64: %w", err)
		}
		data = decoded[:n]
	}

	return data, nil
}

func computeSHA256Hex(data []byte) string {
	digest := sha256.Sum256(data)
	return hex.EncodeToString(digest[:])
}

func verifyDigest(expected, actual string) error {
	if strings.TrimSpace(expected) == "" {
		return nil
	}
	normalized := normalizeDigest(expected)
	if normalized != actual {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", normalized, actual)
	}
	return nil
}

func normalizeDigest(value string) string {
	lower := strings.TrimSpace(strings.ToLower(value))
	return strings.TrimPrefix(lower, "sha256:")
}

func normalizedCompression(value string) string {
	trimmed := strings.TrimSpace(strings.ToLower(value))
	if trimmed == "none" {
		return ""
	}
	return trimmed
}

func normalizedEncoding(value string) string {
	trimmed := strings.TrimSpace(strings.ToLower(value))
	switch trimmed {
	case "none", "binary":
		return ""
	default:
		return trimmed
	}
}
