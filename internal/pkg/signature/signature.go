// Package signature derives stable cache keys from table content.
package signature

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"tablegate/internal/pkg/apperr"
)

// Generate hashes normalized content together with its category.
// The result looks like "<category>:<16 hex digits>".
func Generate(content []byte, category string) (string, error) {
	normalized := Normalize(string(content))
	if normalized == "" {
		return "", fmt.Errorf("signature of empty content: %w", apperr.ErrInvalidInput)
	}
	category = strings.ToLower(strings.TrimSpace(category))
	if strings.ContainsAny(category, ":\x00") {
		return "", fmt.Errorf("category %q contains a reserved character: %w", category, apperr.ErrInvalidInput)
	}

	digest := xxhash.New()
	digest.WriteString(normalized)
	digest.Write([]byte{0})
	digest.WriteString(category)

	label := category
	if label == "" {
		label = "none"
	}
	return label + ":" + fmt.Sprintf("%016x", digest.Sum64()), nil
}

// Normalize trims the text and collapses every whitespace run to one space.
// Line breaks survive as "\n" so row boundaries still count.
func Normalize(text string) string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	kept := lines[:0]
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

// Split breaks a signature into its category label and hash.
func Split(sig string) (category string, hash uint64, err error) {
	category, hexPart, ok := strings.Cut(sig, ":")
	if !ok || len(hexPart) != 16 {
		return "", 0, fmt.Errorf("malformed signature %q: %w", sig, apperr.ErrInvalidInput)
	}
	hash, err = strconv.ParseUint(hexPart, 16, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed signature %q: %w", sig, apperr.ErrInvalidInput)
	}
	return category, hash, nil
}
