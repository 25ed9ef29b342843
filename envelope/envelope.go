// Package envelope implements the payload formats carried inside opaque
// friend messages: a length-prefixed binary file envelope and an inline
// JSON-with-base64 media envelope. Both decoders fail cleanly so callers can
// fall back to treating a message as plain text.
package envelope

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

const (
	// MaxFileBytes bounds the raw content of one packed payload (5 MiB).
	MaxFileBytes = 5 * 1024 * 1024
	// maxMetadataBytes caps the JSON metadata block of the binary envelope.
	maxMetadataBytes = 4096
	// minInlineMediaLen is the shortest plausible inline media body.
	minInlineMediaLen = 8
)

var (
	// ErrNotFileEnvelope means the message is not a binary file envelope.
	ErrNotFileEnvelope = errors.New("envelope: not a packed file payload")
	// ErrNotInlineMedia means the message is not an inline JSON media payload.
	ErrNotInlineMedia = errors.New("envelope: not an inline media payload")
	// ErrContentTooLarge means raw content exceeds MaxFileBytes.
	ErrContentTooLarge = errors.New("envelope: content exceeds size bound")
	// ErrMetadataTooLarge means the metadata block exceeds its cap.
	ErrMetadataTooLarge = errors.New("envelope: metadata exceeds size cap")
)

// FilePayload is a decoded binary file envelope. Data aliases the decoded
// message buffer; callers must copy it before the buffer is reused.
type FilePayload struct {
	Filename     string
	ContentType  string
	DeclaredSize uint64
	Data         []byte
}

// InlineMedia is a decoded inline JSON media payload.
type InlineMedia struct {
	Filename  string
	MediaType string
	Data      []byte
}

type fileMetadata struct {
	Type        string `json:"type"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        uint64 `json:"size"`
}

// EncodeFile packs filename, content type and raw bytes into one binary file
// envelope: 4-byte big-endian metadata length, JSON metadata, raw bytes.
func EncodeFile(filename, contentType string, data []byte) ([]byte, error) {
	if len(data) > MaxFileBytes {
		return nil, ErrContentTooLarge
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	meta, err := json.Marshal(fileMetadata{
		Type:        "file",
		Filename:    filename,
		ContentType: contentType,
		Size:        uint64(len(data)),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal file metadata: %w", err)
	}
	if len(meta) > maxMetadataBytes {
		return nil, ErrMetadataTooLarge
	}

	out := make([]byte, 4+len(meta)+len(data))
	binary.BigEndian.PutUint32(out, uint32(len(meta)))
	copy(out[4:], meta)
	copy(out[4+len(meta):], data)
	return out, nil
}

// DecodeFile parses a binary file envelope. The declared metadata length is
// bounds-checked against both the hard cap and the remaining message before
// any metadata-sized allocation or slicing happens. Data is a view into msg.
// Oversized content returns ErrContentTooLarge with the parsed metadata
// filled in and Data nil, so callers can still describe the rejected file.
func DecodeFile(msg []byte) (FilePayload, error) {
	if len(msg) < 5 {
		return FilePayload{}, ErrNotFileEnvelope
	}
	metaLen := binary.BigEndian.Uint32(msg)
	if metaLen == 0 || metaLen > maxMetadataBytes {
		return FilePayload{}, ErrNotFileEnvelope
	}
	if uint64(metaLen)+4 > uint64(len(msg)) {
		return FilePayload{}, ErrNotFileEnvelope
	}

	var meta fileMetadata
	if err := json.Unmarshal(msg[4:4+metaLen], &meta); err != nil {
		return FilePayload{}, ErrNotFileEnvelope
	}
	if meta.Type != "file" || meta.Filename == "" {
		return FilePayload{}, ErrNotFileEnvelope
	}

	filename := SanitizeFilename(meta.Filename)
	contentType := meta.ContentType
	if contentType == "" {
		contentType = DetectMediaType(filename)
	}

	if len(msg)-4-int(metaLen) > MaxFileBytes {
		return FilePayload{
			Filename:     filename,
			ContentType:  contentType,
			DeclaredSize: meta.Size,
		}, ErrContentTooLarge
	}

	return FilePayload{
		Filename:     filename,
		ContentType:  contentType,
		DeclaredSize: meta.Size,
		Data:         msg[4+metaLen:],
	}, nil
}

type inlineMediaBody struct {
	Type          string `json:"type"`
	Data          string `json:"data"`
	FileName      string `json:"fileName"`
	FilenameAlt   string `json:"filename"`
	FileExtension string `json:"fileExtension"`
	MediaType     string `json:"mediaType"`
}

// DecodeInlineMedia parses an inline JSON media payload. It is meant to run
// only after DecodeFile has failed.
func DecodeInlineMedia(msg []byte) (InlineMedia, error) {
	if len(msg) < minInlineMediaLen || len(msg) > MaxFileBytes*2 {
		return InlineMedia{}, ErrNotInlineMedia
	}

	body := strings.TrimRight(string(msg), "\x00 \t\r\n")
	body = strings.TrimLeft(body, " \t\r\n")
	if len(body) < 2 || body[0] != '{' || body[len(body)-1] != '}' {
		return InlineMedia{}, ErrNotInlineMedia
	}

	var m inlineMediaBody
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		return InlineMedia{}, ErrNotInlineMedia
	}

	kind := strings.ToLower(m.Type)
	if kind != "image" && kind != "file" {
		return InlineMedia{}, ErrNotInlineMedia
	}
	if m.Data == "" {
		return InlineMedia{}, ErrNotInlineMedia
	}

	filename := m.FileName
	if filename == "" {
		filename = m.FilenameAlt
	}
	ext := m.FileExtension
	if ext != "" && ext[0] != '.' {
		ext = "." + ext
	}
	if filename != "" && ext != "" && !hasExtension(filename) {
		filename += ext
	}
	if filename == "" {
		if kind == "image" {
			filename = "image"
		} else {
			filename = "file"
		}
		filename += ext
	}
	filename = SanitizeFilename(filename)

	mediaType := m.MediaType
	if mediaType == "" {
		mediaType = DetectMediaType(filename)
	}

	decoded, err := decodeBase64(trimDataURLPrefix(m.Data))
	if err != nil || len(decoded) == 0 {
		return InlineMedia{}, ErrNotInlineMedia
	}
	if len(decoded) > MaxFileBytes {
		return InlineMedia{}, ErrContentTooLarge
	}

	return InlineMedia{
		Filename:  filename,
		MediaType: mediaType,
		Data:      decoded,
	}, nil
}

// SanitizeFilename replaces path separators and NUL bytes with underscores.
// An empty result becomes "file.bin".
func SanitizeFilename(name string) string {
	out := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, name)
	if out == "" {
		return "file.bin"
	}
	return out
}

// DetectMediaType infers a MIME type from the filename extension, defaulting
// to application/octet-stream.
func DetectMediaType(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case ".pdf":
		return "application/pdf"
	}
	return "application/octet-stream"
}

func hasExtension(filename string) bool {
	base := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	dot := strings.LastIndexByte(base, '.')
	return dot > 0
}

// trimDataURLPrefix strips an optional "data:...;base64," prefix.
func trimDataURLPrefix(data string) string {
	comma := strings.IndexByte(data, ',')
	if comma < 0 {
		return data
	}
	if strings.Contains(strings.ToLower(data[:comma]), "base64") {
		return data[comma+1:]
	}
	return data
}

func decodeBase64(in string) ([]byte, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, in)

	if out, err := base64.StdEncoding.DecodeString(cleaned); err == nil {
		return out, nil
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(cleaned, "="))
}
