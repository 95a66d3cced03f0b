package batch

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

// hashLen is the number of hex characters of the content hash kept in a key.
const hashLen = 16

// keyMaterial is the canonical content a task key is derived from. Field
// order is fixed by the struct, so the JSON encoding is stable.
type keyMaterial struct {
	Kind           Kind     `json:"kind"`
	Prompt         string   `json:"prompt"`
	NegativePrompt string   `json:"negativePrompt"`
	References     []string `json:"references"`
	Model          string   `json:"model"`
	AspectRatio    string   `json:"aspectRatio"`
	Size           string   `json:"size"`
	Quality        string   `json:"quality"`
	Variant        int      `json:"variant"`
}

// ComputeKey derives the idempotency key of t:
//
//	{entityType}/{slug}/{targetId}/v{variant}@{hash16}
//
// The hash covers the rendered request (prompt, negative prompt, sorted
// reference hashes, model, image settings, kind) and the variant index.
// Temperature and output location do not affect the key.
func ComputeKey(t *Task) string {
	refs := make([]string, 0, len(t.References))
	for _, r := range t.References {
		refs = append(refs, r.SHA256)
	}
	slices.Sort(refs)

	data, _ := json.Marshal(keyMaterial{
		Kind:           t.Kind,
		Prompt:         t.Spec.Prompt,
		NegativePrompt: t.Spec.NegativePrompt,
		References:     refs,
		Model:          t.Model,
		AspectRatio:    t.Spec.AspectRatio,
		Size:           t.Spec.Size,
		Quality:        t.Spec.Quality,
		Variant:        t.Variant,
	})
	sum := sha256.Sum256(data)

	return fmt.Sprintf("%s/%s/%s/v%d@%s",
		t.EntityType, t.EntitySlug, t.TargetID, t.Variant, hex.EncodeToString(sum[:])[:hashLen])
}

// ParsedKey is the structured form of a task key.
type ParsedKey struct {
	EntityType EntityType
	EntitySlug string
	TargetID   string
	Variant    int
	Hash       string
}

// ParseKey splits a task key into its components.
func ParseKey(key string) (ParsedKey, error) {
	at := strings.LastIndexByte(key, '@')
	if at < 0 {
		return ParsedKey{}, fmt.Errorf("task key %q: missing hash", key)
	}
	hash := key[at+1:]
	if len(hash) != hashLen {
		return ParsedKey{}, fmt.Errorf("task key %q: hash must be %d characters", key, hashLen)
	}

	parts := strings.Split(key[:at], "/")
	if len(parts) != 4 || !strings.HasPrefix(parts[3], "v") {
		return ParsedKey{}, fmt.Errorf("task key %q: want type/slug/target/vN", key)
	}
	variant, err := strconv.Atoi(parts[3][1:])
	if err != nil || variant < 0 {
		return ParsedKey{}, fmt.Errorf("task key %q: bad variant", key)
	}
	for _, p := range parts[:3] {
		if p == "" {
			return ParsedKey{}, fmt.Errorf("task key %q: empty component", key)
		}
	}

	return ParsedKey{
		EntityType: EntityType(parts[0]),
		EntitySlug: parts[1],
		TargetID:   parts[2],
		Variant:    variant,
		Hash:       hash,
	}, nil
}

// Target returns the key without its hash: the stable identity of the
// output slot regardless of request content.
func (p ParsedKey) Target() string {
	return fmt.Sprintf("%s/%s/%s/v%d", p.EntityType, p.EntitySlug, p.TargetID, p.Variant)
}

// SameTarget reports whether two keys address the same output slot.
func SameTarget(a, b string) bool {
	pa, errA := ParseKey(a)
	pb, errB := ParseKey(b)
	if errA != nil || errB != nil {
		return false
	}
	return pa.Target() == pb.Target()
}

// NeedsRegeneration reports whether a previously applied key is stale for
// the same output slot, i.e. the request content changed.
func NeedsRegeneration(appliedKey, currentKey string) bool {
	return SameTarget(appliedKey, currentKey) && appliedKey != currentKey
}

// ShortHash returns the first n characters of the key's content hash.
func ShortHash(key string, n int) string {
	p, err := ParseKey(key)
	if err != nil {
		return ""
	}
	if n > len(p.Hash) || n <= 0 {
		n = len(p.Hash)
	}
	return p.Hash[:n]
}

// DisplayKey renders a key compactly for console output.
func DisplayKey(key string) string {
	p, err := ParseKey(key)
	if err != nil {
		return key
	}
	s := fmt.Sprintf("%s/%s", p.EntitySlug, p.TargetID)
	if p.Variant > 0 {
		s += fmt.Sprintf(" #%d", p.Variant+1)
	}
	return s + " (" + p.Hash[:8] + ")"
}

// HashFile returns the hex SHA-256 of a file's contents.
func HashFile(fs afero.Fs, path string) (string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
