package profile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestEditor(t *testing.T) (*Editor, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "beagle_profile.json")
	e := NewEditor(path, filepath.Join(dir, "no_wallet.json"))
	e.now = func() time.Time { return time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC) }
	return e, path
}

func TestEnsureWritesDefaultOnce(t *testing.T) {
	e, path := newTestEditor(t)

	if err := e.Ensure(); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	custom := strings.Replace(DefaultDocument, "Snoopy", "Rex", 1)
	if err := os.WriteFile(path, []byte(custom), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := e.Ensure(); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "Rex") {
		t.Error("Ensure() overwrote an existing document")
	}
}

func TestLoadExtractsFields(t *testing.T) {
	e, _ := newTestEditor(t)

	info, err := e.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if info.Name != "Snoopy" {
		t.Errorf("name = %q, want Snoopy", info.Name)
	}
	if info.Region != "California" {
		t.Errorf("region = %q, want California", info.Region)
	}
	if !strings.Contains(info.WelcomeMessage, "Send a message to start") {
		t.Errorf("welcome = %q, want the default greeting", info.WelcomeMessage)
	}
}

func TestApplyIdentityUpsertsAndPreservesDocument(t *testing.T) {
	e, path := newTestEditor(t)

	// An extra top-level field must survive the partial patch.
	if err := e.Ensure(); err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	custom := strings.Replace(string(raw), "{\n", "{\n  \"customSetting\": \"keep-me\",\n", 1)
	if err := os.WriteFile(path, []byte(custom), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := e.ApplyIdentity("uid-123", "addr-456"); err != nil {
		t.Fatalf("ApplyIdentity() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	doc := string(data)
	for _, want := range []string{
		`"carrierUserId": "uid-123"`,
		`"carrierAddress": "addr-456"`,
		`"startedAt": "2026-05-04T03:02:01Z"`,
		`"customSetting": "keep-me"`,
	} {
		if !strings.Contains(doc, want) {
			t.Errorf("document missing %s:\n%s", want, doc)
		}
	}
}

func TestApplyIdentityStartedAtSetOnce(t *testing.T) {
	e, path := newTestEditor(t)

	if err := e.ApplyIdentity("uid-1", "addr-1"); err != nil {
		t.Fatal(err)
	}
	e.now = func() time.Time { return time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := e.ApplyIdentity("uid-2", "addr-2"); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	doc := string(data)
	if !strings.Contains(doc, `"startedAt": "2026-05-04T03:02:01Z"`) {
		t.Errorf("startedAt was overwritten:\n%s", doc)
	}
	// Identity fields do follow the latest values.
	if !strings.Contains(doc, `"carrierUserId": "uid-2"`) {
		t.Errorf("carrierUserId not updated:\n%s", doc)
	}
}

func TestApplyIdentityWalletSubstitution(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "beagle_profile.json")
	walletPath := filepath.Join(dir, "wallet.json")
	if err := os.WriteFile(walletPath, []byte(`{"publicKey": "0xWALLET"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	e := NewEditor(path, walletPath)

	// Default email is the "SOL:,ETH:" placeholder, so the key replaces it.
	if err := e.ApplyIdentity("uid", "addr"); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"email": "0xWALLET"`) {
		t.Errorf("placeholder email not substituted:\n%s", data)
	}

	// A real value set by the user stays put.
	doc := strings.Replace(string(data), "0xWALLET", "me@example.com", 1)
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := e.ApplyIdentity("uid", "addr"); err != nil {
		t.Fatal(err)
	}
	data, err = os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"email": "me@example.com"`) {
		t.Errorf("user email was overwritten:\n%s", data)
	}
}

func TestApplyIdentityIdempotent(t *testing.T) {
	e, path := newTestEditor(t)

	if err := e.ApplyIdentity("uid", "addr"); err != nil {
		t.Fatal(err)
	}
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	if err := e.ApplyIdentity("uid", "addr"); err != nil {
		t.Fatal(err)
	}
	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(before) != string(after) {
		t.Error("repeat ApplyIdentity changed the document")
	}
}

func TestExtractStringHandlesEscapes(t *testing.T) {
	body := `{"msg": "line one\nline \"two\""}`
	got, ok := extractString(body, "msg")
	if !ok {
		t.Fatal("extractString() found nothing")
	}
	want := "line one\nline \"two\""
	if got != want {
		t.Errorf("extractString() = %q, want %q", got, want)
	}
}

func TestUpsertProfileFieldInsertsMissingKey(t *testing.T) {
	body := "{\n  \"profile\": {\n    \"name\": \"Snoopy\"\n  }\n}"
	out, changed := upsertProfileField(body, "carrierUserId", "uid-9", false)
	if !changed {
		t.Fatal("upsertProfileField() reported no change")
	}
	if !strings.Contains(out, `"carrierUserId": "uid-9"`) {
		t.Errorf("field not inserted:\n%s", out)
	}
	if !strings.Contains(out, `"name": "Snoopy"`) {
		t.Errorf("existing field damaged:\n%s", out)
	}
}
