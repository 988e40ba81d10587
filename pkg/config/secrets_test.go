package config

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAESEncryption(t *testing.T) {
	enc, err := NewAESEncryption([]byte("short key"))
	require.NoError(t, err)

	sealed, err := enc.Encrypt([]byte("hello"))
	require.NoError(t, err)
	again, err := enc.Encrypt([]byte("hello"))
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonce is random")

	plain, err := enc.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(plain))

	other, err := NewAESEncryption([]byte("other key"))
	require.NoError(t, err)
	_, err = other.Decrypt(sealed)
	assert.Error(t, err)
	_, err = enc.Decrypt([]byte("x"))
	assert.Error(t, err)
}

func TestFileSecretStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	enc, err := NewAESEncryption([]byte("k"))
	require.NoError(t, err)
	store, err := NewFileSecretStore(dir, enc, nil)
	require.NoError(t, err)

	require.NoError(t, store.SetSecret(ctx, "signing/key", "s3cret"))
	require.NoError(t, store.SetSecret(ctx, "db", "pw"))

	// a second store reads from disk rather than the cache
	fresh, err := NewFileSecretStore(dir, enc, nil)
	require.NoError(t, err)
	v, err := fresh.GetSecret(ctx, "signing/key")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", v)

	keys, err := store.ListSecrets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"db", "signing_key"}, keys)

	require.NoError(t, store.DeleteSecret(ctx, "db"))
	_, err = store.GetSecret(ctx, "db")
	assert.ErrorIs(t, err, ErrSecretNotFound)
	assert.ErrorIs(t, store.DeleteSecret(ctx, "db"), ErrSecretNotFound)

	wrongKey, err := NewAESEncryption([]byte("wrong"))
	require.NoError(t, err)
	other, err := NewFileSecretStore(dir, wrongKey, nil)
	require.NoError(t, err)
	_, err = other.GetSecret(ctx, "signing/key")
	assert.Error(t, err)
}

// fakeVault serves the subset of the KV v2 HTTP API the store uses.
type fakeVault struct {
	mu   sync.Mutex
	data map[string]map[string]interface{}
}

const vaultToken = "test-token"

func newFakeVault(t *testing.T) *httptest.Server {
	f := &fakeVault{data: make(map[string]map[string]interface{})}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return srv
}

func (f *fakeVault) reply(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (f *fakeVault) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-Vault-Token") != vaultToken {
		f.reply(w, http.StatusForbidden, map[string]interface{}{"errors": []string{"permission denied"}})
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	meta := map[string]interface{}{
		"created_time":  "2024-01-01T00:00:00Z",
		"deletion_time": "",
		"destroyed":     false,
		"version":       1,
	}
	p := strings.TrimPrefix(r.URL.Path, "/v1/secret/")
	switch {
	case strings.HasPrefix(p, "data/"):
		key := strings.TrimPrefix(p, "data/")
		switch r.Method {
		case http.MethodGet:
			d, ok := f.data[key]
			if !ok {
				f.reply(w, http.StatusNotFound, map[string]interface{}{"errors": []string{}})
				return
			}
			f.reply(w, http.StatusOK, map[string]interface{}{"data": map[string]interface{}{"data": d, "metadata": meta}})
		case http.MethodPut, http.MethodPost:
			var body struct {
				Data map[string]interface{} `json:"data"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				f.reply(w, http.StatusBadRequest, map[string]interface{}{"errors": []string{err.Error()}})
				return
			}
			f.data[key] = body.Data
			f.reply(w, http.StatusOK, map[string]interface{}{"data": meta})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case strings.HasPrefix(p, "metadata/"):
		key := strings.TrimPrefix(p, "metadata/")
		if r.Method == http.MethodDelete {
			delete(f.data, key)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.URL.Query().Get("list") != "true" && r.Method != "LIST" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		seen := map[string]bool{}
		for k := range f.data {
			rest, ok := strings.CutPrefix(k, key+"/")
			if !ok {
				continue
			}
			if i := strings.Index(rest, "/"); i >= 0 {
				rest = rest[:i+1]
			}
			seen[rest] = true
		}
		if len(seen) == 0 {
			f.reply(w, http.StatusNotFound, map[string]interface{}{"errors": []string{}})
			return
		}
		keys := make([]string, 0, len(seen))
		for k := range seen {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		f.reply(w, http.StatusOK, map[string]interface{}{"data": map[string]interface{}{"keys": keys}})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func TestVaultSecretStore(t *testing.T) {
	ctx := context.Background()
	srv := newFakeVault(t)

	store, err := NewVaultSecretStore(VaultConfig{Address: srv.URL, Token: vaultToken, Prefix: "addinhost"}, nil)
	require.NoError(t, err)

	keys, err := store.ListSecrets(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	require.NoError(t, store.SetSecret(ctx, "signing-key", "hmac-secret"))
	require.NoError(t, store.SetSecret(ctx, "plugins/a", "x"))

	v, err := store.GetSecret(ctx, "signing-key")
	require.NoError(t, err)
	assert.Equal(t, "hmac-secret", v)

	keys, err = store.ListSecrets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"plugins/", "signing-key"}, keys)

	require.NoError(t, store.DeleteSecret(ctx, "signing-key"))
	_, err = store.GetSecret(ctx, "signing-key")
	assert.ErrorIs(t, err, ErrSecretNotFound)

	denied, err := NewVaultSecretStore(VaultConfig{Address: srv.URL, Token: "wrong", Prefix: "addinhost"}, nil)
	require.NoError(t, err)
	_, err = denied.GetSecret(ctx, "plugins/a")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSecretNotFound)
}

func TestConfigManagerSecret(t *testing.T) {
	ctx := context.Background()
	m := NewConfigManager(nil, nil)
	_, err := m.Secret(ctx, "k")
	assert.ErrorIs(t, err, ErrNoSecretStore)

	enc, err := NewAESEncryption([]byte("k"))
	require.NoError(t, err)
	store, err := NewFileSecretStore(t.TempDir(), enc, nil)
	require.NoError(t, err)
	require.NoError(t, store.SetSecret(ctx, "signing", "v"))

	m = NewConfigManager(nil, store)
	v, err := m.Secret(ctx, "signing")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}
