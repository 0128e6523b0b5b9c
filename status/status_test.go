package status

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/onnwee/matrix-census/crypto"
	"github.com/onnwee/matrix-census/series"
)

func mustLoad(t *testing.T, path string) *Status {
	t.Helper()
	st, err := Load(path)
	if err != nil {
		t.Fatalf("Load(%s): %v", path, err)
	}
	return st
}

func TestLoadAbsentFile(t *testing.T) {
	st := mustLoad(t, filepath.Join(t.TempDir(), "nope.status"))
	if len(st.AccessTokens) != 0 || len(st.Rooms) != 0 {
		t.Errorf("Load(absent) = %+v, want empty template", st)
	}
}

func TestLoadFallsBackToTemplate(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"not json", "{nope"},
		{"not an object", `[1,2,3]`},
		{"missing rooms key", `{"matrix_access_tokens":{}}`},
		{"missing tokens key", `{"rooms":{}}`},
		{"rooms not an object", `{"matrix_access_tokens":{},"rooms":[1]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "f.status")
			if err := os.WriteFile(path, []byte(tc.body), 0o600); err != nil {
				t.Fatal(err)
			}
			st := mustLoad(t, path)
			if st.AccessTokens == nil || st.Rooms == nil || len(st.Rooms) != 0 {
				t.Errorf("Load(%s) = %+v, want empty template", tc.name, st)
			}
		})
	}
}

func TestLoadInconsistentSeriesIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.status")
	body := `{"matrix_access_tokens":{},` +
		`"rooms":{"!a:x":{"name":"A","counts":[["t1","t2"],[4]]}}}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	st, err := Load(path)
	if !errors.Is(err, series.ErrInconsistent) {
		t.Fatalf("Load error = %v (status = %+v), want ErrInconsistent", err, st)
	}
	// the file must survive for inspection; a later save must not be able to
	// replace history with the empty template
	raw, readErr := os.ReadFile(path)
	if readErr != nil || string(raw) != body {
		t.Errorf("status file changed by Load: %s", raw)
	}
}

func TestLoadRepairsTokenMapPerKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.status")
	body := `{"matrix_access_tokens":{"bad@x":5,"good@x":"syt_tok","null@x":null},` +
		`"rooms":{"!a:x":{"name":"A","counts":[["t1"],[4]]}}}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	st := mustLoad(t, path)
	if got := st.Token("good@x", nil); got != "syt_tok" {
		t.Errorf("intact token = %q, want syt_tok", got)
	}
	if st.AccessTokens["bad@x"] != nil {
		t.Errorf("wrong-typed token entry = %v, want nulled", *st.AccessTokens["bad@x"])
	}
	if _, ok := st.AccessTokens["bad@x"]; !ok {
		t.Error("wrong-typed token entry dropped, want kept as null")
	}
	// one bad entry must not cost the room history
	if room := st.Rooms["!a:x"]; room == nil || room.Counts.Len() != 1 {
		t.Errorf("rooms lost during token repair: %+v", st.Rooms)
	}
}

func TestLoadTokenMapNotAnObject(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.status")
	body := `{"matrix_access_tokens":[1],` +
		`"rooms":{"!a:x":{"name":"A","counts":[["t1"],[4]]}}}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	st := mustLoad(t, path)
	if len(st.AccessTokens) != 0 {
		t.Errorf("token map = %v, want reset to empty", st.AccessTokens)
	}
	if room := st.Rooms["!a:x"]; room == nil || room.Counts.Len() != 1 {
		t.Errorf("rooms lost during token-map reset: %+v", st.Rooms)
	}
}

func TestLoadValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.status")
	body := `{"matrix_access_tokens":{"bot@example.org":"syt_tok"},` +
		`"rooms":{"!a:example.org":{"name":"Lobby","counts":[["t1","t2"],[4,4]]}}}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	st := mustLoad(t, path)
	if got := st.Token(TokenID("bot", "example.org"), nil); got != "syt_tok" {
		t.Errorf("Token = %q, want syt_tok", got)
	}
	room := st.Rooms["!a:example.org"]
	if room == nil || room.Name != "Lobby" || room.Counts.Len() != 2 {
		t.Errorf("room = %+v", room)
	}
}

func TestSaveRestrictsPermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.status")
	st := Empty()
	if err := st.SetToken("bot@example.org", "syt_tok", nil); err != nil {
		t.Fatal(err)
	}
	if err := st.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("status file mode = %o, want 600", perm)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.status")
	st := Empty()
	st.Rooms["!a:x"] = &Room{Name: "A", Counts: series.Series{Times: []string{"t1"}, Values: []int{3}}}
	if err := st.SetToken("bot@x", "tok", nil); err != nil {
		t.Fatal(err)
	}
	if err := st.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	back := mustLoad(t, path)
	if !reflect.DeepEqual(back.Rooms["!a:x"], st.Rooms["!a:x"]) {
		t.Errorf("room round trip = %+v, want %+v", back.Rooms["!a:x"], st.Rooms["!a:x"])
	}
	if back.Token("bot@x", nil) != "tok" {
		t.Errorf("token round trip = %q", back.Token("bot@x", nil))
	}
}

func TestCountersProjectionHasNoCredentials(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "counters.json")
	st := Empty()
	if err := st.SetToken("bot@x", "secret-token", nil); err != nil {
		t.Fatal(err)
	}
	st.Rooms["!a:x"] = &Room{Name: "A", Counts: series.Series{Times: []string{"t1", "t2"}, Values: []int{5, 5}}}
	st.Rooms[TotalRoomID] = &Room{Name: "Total", Counts: series.Series{Times: []string{"t1"}, Values: []int{5}}}

	if err := WriteCounters(st.Counters(), path); err != nil {
		t.Fatalf("WriteCounters: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "secret-token") || strings.Contains(string(raw), "matrix_access_tokens") {
		t.Fatalf("counter file leaks credentials: %s", raw)
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		t.Fatal(err)
	}
	if len(top) != 1 {
		t.Errorf("counter file keys = %v, want only rooms", top)
	}

	back, err := ReadCounters(path)
	if err != nil {
		t.Fatalf("ReadCounters: %v", err)
	}
	if !reflect.DeepEqual(back.Rooms, st.Rooms) {
		t.Errorf("counters round trip = %+v, want %+v", back.Rooms, st.Rooms)
	}
}

func TestReadCountersErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := ReadCounters(filepath.Join(dir, "absent.json")); err == nil {
		t.Error("ReadCounters(absent) succeeded, want error")
	}
	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte(`{"no_rooms":1}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadCounters(bad); err == nil {
		t.Error("ReadCounters(missing rooms) succeeded, want error")
	}
}

func TestTokenEncryptionAtRest(t *testing.T) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	enc, err := crypto.NewAESEncryptor(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "f.status")
	st := Empty()
	if err := st.SetToken("bot@x", "syt_secret", enc); err != nil {
		t.Fatal(err)
	}
	if err := st.Save(path); err != nil {
		t.Fatal(err)
	}
	raw, _ := os.ReadFile(path)
	if strings.Contains(string(raw), "syt_secret") {
		t.Fatalf("status file holds plaintext token: %s", raw)
	}

	back := mustLoad(t, path)
	if got := back.Token("bot@x", enc); got != "syt_secret" {
		t.Errorf("decrypted token = %q, want syt_secret", got)
	}
	// without the key the token is treated as absent, not fatal
	if got := back.Token("bot@x", nil); got != "" {
		t.Errorf("token without key = %q, want empty", got)
	}
}

func TestDropToken(t *testing.T) {
	st := Empty()
	if err := st.SetToken("bot@x", "tok", nil); err != nil {
		t.Fatal(err)
	}
	st.DropToken("bot@x")
	if st.Token("bot@x", nil) != "" {
		t.Error("token survived DropToken")
	}
}
