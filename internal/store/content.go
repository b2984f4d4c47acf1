package store

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/capitalize-ai/chatrelay/internal/model"
	"github.com/capitalize-ai/chatrelay/pkg/metrics"
)

const defaultMimeType = "image/png"

// ContentStore keeps attachment bytes in a flat directory of {sha256}{ext}
// files. The namespace is append-only, so identical puts can race safely.
type ContentStore struct {
	dir string
}

// NewContentStore opens (and creates if needed) a blob directory.
func NewContentStore(dir string) (*ContentStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob dir: %w", err)
	}
	return &ContentStore{dir: dir}, nil
}

// Dir returns the blob directory.
func (s *ContentStore) Dir() string { return s.dir }

// Put stores the decoded bytes of a under their content hash and returns a
// reference to them. Existing blobs are not rewritten.
func (s *ContentStore) Put(a model.Attachment) (model.BlobRef, error) {
	mimeType, data, err := decodeDataURL(a.Data, a.Type)
	if err != nil {
		return model.BlobRef{}, err
	}

	sum := sha256.Sum256(data)
	key := hex.EncodeToString(sum[:]) + extensionFor(a.Name, mimeType)
	ref := model.BlobRef{Key: key, Name: a.Name, Type: mimeType, Size: int64(len(data))}

	path := filepath.Join(s.dir, key)
	if _, err := os.Stat(path); err == nil {
		metrics.BlobsWrittenTotal.WithLabelValues("deduplicated").Inc()
		return ref, nil
	}

	if err := atomicWriteFile(path, data, 0o644); err != nil {
		return model.BlobRef{}, fmt.Errorf("failed to write blob %s: %w", key, err)
	}
	metrics.BlobsWrittenTotal.WithLabelValues("written").Inc()
	return ref, nil
}

// PutImage stores an image given as a data URL.
func (s *ContentStore) PutImage(dataURL string) (model.BlobRef, error) {
	return s.Put(model.Attachment{Data: dataURL})
}

// Get rebuilds the data URL of a stored blob. It reports false when the blob
// is missing or unreadable, or the key is not a plain file name.
func (s *ContentStore) Get(ref model.BlobRef) (model.Attachment, bool) {
	if !ValidKey(ref.Key) {
		return model.Attachment{}, false
	}

	data, err := os.ReadFile(filepath.Join(s.dir, ref.Key))
	if err != nil {
		return model.Attachment{}, false
	}

	mimeType := ref.Type
	if mimeType == "" {
		mimeType = mimeFromExt(filepath.Ext(ref.Key))
	}
	return model.Attachment{
		Name: ref.Name,
		Type: mimeType,
		Data: "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data),
	}, true
}

// ValidKey reports whether key can name a blob in the flat directory.
func ValidKey(key string) bool {
	return key != "" && key != "." && key != ".." &&
		!strings.ContainsAny(key, `/\`) && filepath.Base(key) == key
}

var errEmptyAttachment = errors.New("attachment has no data")

// decodeDataURL accepts "data:<mime>;base64,<payload>" or bare base64.
func decodeDataURL(raw, declared string) (string, []byte, error) {
	if raw == "" {
		return "", nil, errEmptyAttachment
	}

	mimeType := declared
	payload := raw
	if strings.HasPrefix(raw, "data:") {
		header, body, ok := strings.Cut(raw[len("data:"):], ",")
		if !ok {
			return "", nil, fmt.Errorf("malformed data url")
		}
		if !strings.HasSuffix(header, ";base64") {
			return "", nil, fmt.Errorf("data url is not base64 encoded")
		}
		if mt := strings.TrimSuffix(header, ";base64"); mt != "" {
			mimeType = mt
		}
		payload = body
	}
	if mimeType == "" {
		mimeType = defaultMimeType
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("invalid base64 payload: %w", err)
	}
	return mimeType, data, nil
}

// extensionFor prefers the file name's extension, then the mime subtype.
func extensionFor(name, mimeType string) string {
	if ext := strings.ToLower(filepath.Ext(name)); ext != "" && ValidKey(ext) {
		return ext
	}
	if _, sub, ok := strings.Cut(mimeType, "/"); ok {
		sub, _, _ = strings.Cut(sub, ";")
		sub = strings.Map(func(r rune) rune {
			if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
				return r
			}
			if r >= 'A' && r <= 'Z' {
				return r + ('a' - 'A')
			}
			return -1
		}, sub)
		if sub != "" {
			return "." + sub
		}
	}
	return ".bin"
}

func mimeFromExt(ext string) string {
	switch ext = strings.TrimPrefix(strings.ToLower(ext), "."); ext {
	case "png", "gif", "webp", "bmp":
		return "image/" + ext
	case "jpg", "jpeg":
		return "image/jpeg"
	case "svg":
		return "image/svg+xml"
	default:
		return "application/octet-stream"
	}
}
