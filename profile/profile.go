// Package profile maintains the local profile document. Fields are upserted
// by string-level patching inside the brace-matched "profile" object so a
// user-edited file keeps its formatting; the document is never re-serialized
// wholesale.
package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"
)

// DefaultDocument is written on first run when no profile document exists.
const DefaultDocument = `{
  "welcomeMessage": "Hi! I'm the Beagle OpenClaw bot. Send a message to start.",
  "profile": {
    "name": "Snoopy",
    "gender": "2218",
    "phone": "Claw Bot to Help",
    "email": "SOL:,ETH:",
    "description": "Ask me anything about beagle chat, Tell me who your are",
    "region": "California",
    "carrierUserId": "",
    "carrierAddress": "",
    "startedAt": ""
  }
}
`

// Info is the loaded view of the profile document.
type Info struct {
	WelcomeMessage string
	Name           string
	Gender         string
	Phone          string
	Email          string
	Description    string
	Region         string
}

// Editor patches one profile document in place.
type Editor struct {
	path       string
	walletPath string
	now        func() time.Time
}

// NewEditor returns an editor for the document at path. The wallet file is
// consulted for the contact-field substitution; an empty walletPath uses the
// default location under the user's home directory.
func NewEditor(path, walletPath string) *Editor {
	if walletPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			walletPath = filepath.Join(home, ".openclaw", "workspace", "licode_wallet.json")
		}
	}
	return &Editor{path: path, walletPath: walletPath, now: time.Now}
}

// Ensure writes the default document when none exists.
func (e *Editor) Ensure() error {
	if _, err := os.Stat(e.path); err == nil {
		return nil
	}
	if err := os.WriteFile(e.path, []byte(DefaultDocument), 0o600); err != nil {
		return fmt.Errorf("write default profile document: %w", err)
	}
	return nil
}

// Load reads the document and extracts the welcome message and profile fields.
func (e *Editor) Load() (Info, error) {
	if err := e.Ensure(); err != nil {
		return Info{}, err
	}
	raw, err := os.ReadFile(e.path)
	if err != nil {
		return Info{}, fmt.Errorf("read profile document: %w", err)
	}
	body := string(raw)

	info := Info{}
	info.WelcomeMessage, _ = extractString(body, "welcomeMessage")
	info.Name, _ = extractString(body, "name")
	info.Gender, _ = extractString(body, "gender")
	info.Phone, _ = extractString(body, "phone")
	info.Email, _ = extractString(body, "email")
	info.Description, _ = extractString(body, "description")
	info.Region, _ = extractString(body, "region")
	return info, nil
}

// ApplyIdentity upserts the network identity fields, sets startedAt once, and
// substitutes the wallet public key for the email field while the existing
// value still looks like an unset placeholder.
func (e *Editor) ApplyIdentity(userID, address string) error {
	if err := e.Ensure(); err != nil {
		return err
	}
	raw, err := os.ReadFile(e.path)
	if err != nil {
		return fmt.Errorf("read profile document: %w", err)
	}
	body := string(raw)

	changed := false
	body, ok := upsertProfileField(body, "carrierUserId", userID, false)
	changed = changed || ok
	body, ok = upsertProfileField(body, "carrierAddress", address, false)
	changed = changed || ok

	if started, _ := extractString(body, "startedAt"); started == "" {
		body, ok = upsertProfileField(body, "startedAt", e.now().UTC().Format("2006-01-02T15:04:05Z"), true)
		changed = changed || ok
	}

	if wallet := e.loadWalletPublicKey(); wallet != "" {
		email, _ := extractString(body, "email")
		placeholder := email == "" || strings.Contains(email, "SOL:") || strings.Contains(email, "ETH:")
		if placeholder && email != wallet {
			body, ok = upsertProfileField(body, "email", wallet, false)
			changed = changed || ok
		}
	}

	if !changed {
		return nil
	}
	if err := os.WriteFile(e.path, []byte(body), 0o600); err != nil {
		return fmt.Errorf("write profile document: %w", err)
	}
	return nil
}

func (e *Editor) loadWalletPublicKey() string {
	if e.walletPath == "" {
		return ""
	}
	raw, err := os.ReadFile(e.walletPath)
	if err != nil {
		return ""
	}
	key, _ := extractString(string(raw), "publicKey")
	return key
}

// upsertProfileField patches one string field inside the "profile" object.
// Returns the (possibly unchanged) body and whether it changed. Empty values
// and identical existing values are no-ops; onlyIfMissing skips fields that
// already carry a non-empty value.
func upsertProfileField(body, key, value string, onlyIfMissing bool) (string, bool) {
	if value == "" {
		return body, false
	}
	objStart, objEnd, ok := findObjectBounds(body, "profile")
	if !ok {
		return body, false
	}
	if existing, found := extractString(body[objStart:objEnd+1], key); found {
		if existing == value {
			return body, false
		}
		if onlyIfMissing && existing != "" {
			return body, false
		}
		return replaceStringValue(body, objStart, objEnd, key, value)
	}
	return insertStringValue(body, objStart, objEnd, key, value)
}

// findObjectBounds locates the brace-matched span of the object value for key.
func findObjectBounds(body, key string) (start, end int, ok bool) {
	needle := `"` + key + `"`
	keyPos := strings.Index(body, needle)
	if keyPos < 0 {
		return 0, 0, false
	}
	brace := strings.IndexByte(body[keyPos+len(needle):], '{')
	if brace < 0 {
		return 0, 0, false
	}
	brace += keyPos + len(needle)

	depth := 0
	for i := brace; i < len(body); i++ {
		switch body[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return brace, i, true
			}
		}
	}
	return 0, 0, false
}

// extractString pulls the raw string value for key, handling escapes.
func extractString(body, key string) (string, bool) {
	needle := `"` + key + `"`
	pos := strings.Index(body, needle)
	if pos < 0 {
		return "", false
	}
	rest := body[pos+len(needle):]
	colon := strings.IndexByte(rest, ':')
	if colon < 0 {
		return "", false
	}
	rest = rest[colon+1:]

	i := 0
	for i < len(rest) && unicode.IsSpace(rune(rest[i])) {
		i++
	}
	if i >= len(rest) || rest[i] != '"' {
		return "", false
	}

	var out strings.Builder
	escaped := false
	for i++; i < len(rest); i++ {
		c := rest[i]
		if escaped {
			switch c {
			case 'n':
				out.WriteByte('\n')
			case 'r':
				out.WriteByte('\r')
			case 't':
				out.WriteByte('\t')
			default:
				out.WriteByte(c)
			}
			escaped = false
			continue
		}
		if c == '\\' {
			escaped = true
			continue
		}
		if c == '"' {
			return out.String(), true
		}
		out.WriteByte(c)
	}
	return "", false
}

// replaceStringValue rewrites the quoted value span of key within the object.
func replaceStringValue(body string, objStart, objEnd int, key, value string) (string, bool) {
	needle := `"` + key + `"`
	pos := strings.Index(body[objStart:objEnd+1], needle)
	if pos < 0 {
		return body, false
	}
	pos += objStart

	colon := strings.IndexByte(body[pos+len(needle):objEnd+1], ':')
	if colon < 0 {
		return body, false
	}
	open := strings.IndexByte(body[pos+len(needle)+colon:objEnd+1], '"')
	if open < 0 {
		return body, false
	}
	open += pos + len(needle) + colon

	end := open + 1
	for end <= objEnd {
		if body[end] == '\\' {
			end += 2
			continue
		}
		if body[end] == '"' {
			break
		}
		end++
	}
	if end > objEnd {
		return body, false
	}

	return body[:open+1] + escapeJSON(value) + body[end:], true
}

// insertStringValue appends a new field just before the object's closing brace.
func insertStringValue(body string, objStart, objEnd int, key, value string) (string, bool) {
	pos := objEnd
	for pos > objStart && unicode.IsSpace(rune(body[pos-1])) {
		pos--
	}
	needsComma := pos > objStart+1 && body[pos-1] != '{'

	insert := ""
	if needsComma {
		insert = ","
	}
	insert += "\n    \"" + key + "\": \"" + escapeJSON(value) + "\""
	return body[:objEnd] + insert + body[objEnd:], true
}

func escapeJSON(in string) string {
	var out strings.Builder
	out.Grow(len(in) + 8)
	for i := 0; i < len(in); i++ {
		c := in[i]
		switch c {
		case '\\':
			out.WriteString(`\\`)
		case '"':
			out.WriteString(`\"`)
		case '\n':
			out.WriteString(`\n`)
		case '\r':
			out.WriteString(`\r`)
		case '\t':
			out.WriteString(`\t`)
		default:
			if c < 0x20 {
				fmt.Fprintf(&out, `\u%04x`, c)
			} else {
				out.WriteByte(c)
			}
		}
	}
	return out.String()
}
