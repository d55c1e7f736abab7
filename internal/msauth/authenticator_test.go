package msauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/halcyon-labs/m365ctl/internal/cryptox"
	"github.com/halcyon-labs/m365ctl/internal/ratelimit"
	"github.com/halcyon-labs/m365ctl/internal/tokenstore"
	"github.com/halcyon-labs/m365ctl/internal/vault"
)

// testKey is generated once; RSA keygen is the slow part of these tests.
var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
	testKeyPEM  []byte
)

func rsaTestKey(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	testKeyOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKey = key
		testKeyPEM = pem.EncodeToMemory(&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(key),
		})
	})
	return testKey, testKeyPEM
}

// fakeVault serves a fixed registration and key.
type fakeVault struct {
	reg *vault.Registration
	key []byte
	err error
}

func (f *fakeVault) Registration(string) (*vault.Registration, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.reg, nil
}

func (f *fakeVault) PrivateKey(string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.key, nil
}

func newTestVault(t *testing.T) *fakeVault {
	t.Helper()
	_, pemKey := rsaTestKey(t)
	return &fakeVault{
		reg: &vault.Registration{
			TenantID:   "11111111-2222-3333-4444-555555555555",
			ClientID:   "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee",
			Thumbprint: "dGVzdC10aHVtYnByaW50",
			UserID:     "user@contoso.com",
		},
		key: pemKey,
	}
}

func newTestStoreMS(t *testing.T) *tokenstore.Store {
	t.Helper()
	cipher, err := cryptox.New([]byte("test-secret"))
	require.NoError(t, err)
	store, err := tokenstore.NewStore(t.TempDir(), cipher)
	require.NoError(t, err)
	return store
}

func newTestAuthenticator(t *testing.T, v vault.Vault, srvURL string) (*Authenticator, *tokenstore.Store) {
	t.Helper()
	store := newTestStoreMS(t)
	limiter := ratelimit.New(ratelimit.Config{WindowRequests: 100000, Window: time.Minute})
	a := New("work", v, store, limiter, Options{
		Endpoint: oauth2.Endpoint{
			DeviceAuthURL: srvURL + "/devicecode",
			TokenURL:      srvURL + "/token",
		},
		PollInterval: 5 * time.Millisecond,
	})
	return a, store
}

func corruptFile(path string) error {
	return os.WriteFile(path, []byte("garbage"), 0600)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func deviceCodeResponse() map[string]any {
	return map[string]any{
		"device_code":      "dev-code-1",
		"user_code":        "ABCD1234",
		"verification_uri": "https://microsoft.com/devicelogin",
		"expires_in":       900,
		"interval":         1,
		"message":          "Enter ABCD1234 at https://microsoft.com/devicelogin",
	}
}

func tokenSuccessResponse(access string) map[string]any {
	return map[string]any{
		"access_token":  access,
		"refresh_token": "refresh-1",
		"token_type":    "Bearer",
		"expires_in":    3600,
		"scope":         "Mail.ReadWrite Mail.Send",
	}
}

func TestAssertionSigner_Sign(t *testing.T) {
	key, pemKey := rsaTestKey(t)

	signer, err := newAssertionSigner(pemKey, "thumb-256", "client-1")
	require.NoError(t, err)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	signed, err := signer.Sign("https://login.microsoftonline.com/tid/oauth2/v2.0/token", now)
	require.NoError(t, err)

	tok, err := jwt.Parse(signed, func(tok *jwt.Token) (any, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithTimeFunc(func() time.Time { return now }))
	require.NoError(t, err)
	require.True(t, tok.Valid)

	assert.Equal(t, "thumb-256", tok.Header["x5t#S256"])

	claims := tok.Claims.(jwt.MapClaims)
	assert.Equal(t, "client-1", claims["iss"])
	assert.Equal(t, "client-1", claims["sub"])
	assert.Equal(t, "https://login.microsoftonline.com/tid/oauth2/v2.0/token", claims["aud"])
	assert.NotEmpty(t, claims["jti"])
	assert.EqualValues(t, now.Unix(), claims["iat"])
	assert.EqualValues(t, now.Add(assertionLifetime).Unix(), claims["exp"])
}

func TestAssertionSigner_PKCS8Key(t *testing.T) {
	key, _ := rsaTestKey(t)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	signer, err := newAssertionSigner(pemKey, "thumb", "client")
	require.NoError(t, err)
	_, err = signer.Sign("https://example.com/token", time.Now())
	assert.NoError(t, err)
}

func TestAssertionSigner_BadPEM(t *testing.T) {
	_, err := newAssertionSigner([]byte("not a key"), "thumb", "client")
	assert.Error(t, err)
}

func TestConnect_IssuesDeviceCode(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/devicecode", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee", r.Form.Get("client_id"))
		assert.Contains(t, r.Form.Get("scope"), "offline_access")
		writeJSON(w, http.StatusOK, deviceCodeResponse())
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a, _ := newTestAuthenticator(t, newTestVault(t), srv.URL)

	dc, err := a.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ABCD1234", dc.UserCode)
	assert.Equal(t, "dev-code-1", dc.DeviceCode)
	assert.Equal(t, StateDeviceCodeRequested, a.State())
}

func TestConnect_RegistrationMissing(t *testing.T) {
	v := &fakeVault{err: fmt.Errorf("%w: work-M365-Client-ID", vault.ErrRegistrationMissing)}
	a, _ := newTestAuthenticator(t, v, "http://127.0.0.1:0")

	_, err := a.Connect(context.Background())
	assert.ErrorIs(t, err, ErrRegistrationMissing)
	assert.Equal(t, StateUnauthenticated, a.State())
}

func TestWait_PendingThenSuccess(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, deviceCodeGrant, r.Form.Get("grant_type"))
		assert.Equal(t, "dev-code-1", r.Form.Get("device_code"))
		assert.Equal(t, assertionType, r.Form.Get("client_assertion_type"))
		assert.NotEmpty(t, r.Form.Get("client_assertion"))

		if polls.Add(1) < 3 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "authorization_pending"})
			return
		}
		writeJSON(w, http.StatusOK, tokenSuccessResponse("access-1"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a, store := newTestAuthenticator(t, newTestVault(t), srv.URL)
	dc := &DeviceCode{DeviceCode: "dev-code-1", ExpiresIn: 60, Interval: 1}

	rec, err := a.Wait(context.Background(), dc)
	require.NoError(t, err)
	assert.Equal(t, int32(3), polls.Load())
	assert.Equal(t, "access-1", rec.AccessToken)
	assert.Equal(t, "refresh-1", rec.RefreshToken)
	assert.Equal(t, []string{"Mail.ReadWrite", "Mail.Send"}, rec.Scopes)
	assert.Equal(t, StateAuthenticated, a.State())

	// The record was persisted, not just cached.
	saved, err := store.Load("work")
	require.NoError(t, err)
	assert.Equal(t, "access-1", saved.AccessToken)
}

func TestWait_SlowDown(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, _ *http.Request) {
		if polls.Add(1) == 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "slow_down"})
			return
		}
		writeJSON(w, http.StatusOK, tokenSuccessResponse("access-1"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a, _ := newTestAuthenticator(t, newTestVault(t), srv.URL)
	dc := &DeviceCode{DeviceCode: "dev-code-1", ExpiresIn: 60}

	start := time.Now()
	rec, err := a.Wait(context.Background(), dc)
	require.NoError(t, err)
	assert.Equal(t, "access-1", rec.AccessToken)
	// The second poll waits the increased interval.
	assert.GreaterOrEqual(t, time.Since(start), slowDownStep)
}

func TestWait_TerminalErrors(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		expected error
	}{
		{name: "access denied", code: "access_denied", expected: ErrAuthDenied},
		{name: "expired token", code: "expired_token", expected: ErrAuthExpired},
		{name: "bad verification code", code: "bad_verification_code", expected: ErrAuthDenied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/token", func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": tt.code})
			})
			srv := httptest.NewServer(mux)
			defer srv.Close()

			a, store := newTestAuthenticator(t, newTestVault(t), srv.URL)
			dc := &DeviceCode{DeviceCode: "dev-code-1", ExpiresIn: 60}

			_, err := a.Wait(context.Background(), dc)
			assert.ErrorIs(t, err, tt.expected)
			assert.Equal(t, StateUnauthenticated, a.State())
			assert.False(t, store.Exists("work"))
		})
	}
}

func TestWait_DeviceCodeLifetimeBoundsPolling(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "authorization_pending"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a, _ := newTestAuthenticator(t, newTestVault(t), srv.URL)
	dc := &DeviceCode{DeviceCode: "dev-code-1", ExpiresIn: 1}

	_, err := a.Wait(context.Background(), dc)
	assert.ErrorIs(t, err, ErrAuthExpired)
	assert.Equal(t, StateUnauthenticated, a.State())
}

func TestWait_DisconnectCancelsPolling(t *testing.T) {
	polling := make(chan struct{}, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, _ *http.Request) {
		select {
		case polling <- struct{}{}:
		default:
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "authorization_pending"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a, store := newTestAuthenticator(t, newTestVault(t), srv.URL)
	dc := &DeviceCode{DeviceCode: "dev-code-1", ExpiresIn: 60}

	errCh := make(chan error, 1)
	go func() {
		_, err := a.Wait(context.Background(), dc)
		errCh <- err
	}()

	// Disconnect only once polling has actually started.
	select {
	case <-polling:
	case <-time.After(5 * time.Second):
		t.Fatal("polling never started")
	}
	require.NoError(t, a.Disconnect())

	select {
	case err := <-errCh:
		// An explicit disconnect is a cancellation, not device-code expiry.
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, ErrAuthExpired)
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after Disconnect")
	}
	assert.Equal(t, StateUnauthenticated, a.State())
	assert.False(t, store.Exists("work"))
}

func TestToken_CachedWhileValid(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusOK, tokenSuccessResponse("fresh"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a, store := newTestAuthenticator(t, newTestVault(t), srv.URL)
	require.NoError(t, store.Save("work", &tokenstore.Record{
		AccessToken:  "cached",
		RefreshToken: "refresh-1",
		TokenType:    "Bearer",
		ExpiresAt:    time.Now().Add(time.Hour),
	}))

	tok, err := a.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "cached", tok)
	assert.Equal(t, int32(0), calls.Load())
}

func TestToken_RefreshesInsideExpiryMargin(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "refresh-1", r.Form.Get("refresh_token"))
		assert.Equal(t, assertionType, r.Form.Get("client_assertion_type"))
		assert.NotEmpty(t, r.Form.Get("client_assertion"))
		writeJSON(w, http.StatusOK, tokenSuccessResponse("fresh"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a, store := newTestAuthenticator(t, newTestVault(t), srv.URL)
	// Still literally valid, but inside the safety margin.
	require.NoError(t, store.Save("work", &tokenstore.Record{
		AccessToken:  "stale",
		RefreshToken: "refresh-1",
		TokenType:    "Bearer",
		ExpiresAt:    time.Now().Add(30 * time.Second),
	}))

	tok, err := a.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok)
	assert.Equal(t, StateAuthenticated, a.State())

	// The refreshed record was persisted.
	saved, err := store.Load("work")
	require.NoError(t, err)
	assert.Equal(t, "fresh", saved.AccessToken)
}

func TestToken_ConcurrentRefreshCollapses(t *testing.T) {
	var refreshes atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, _ *http.Request) {
		refreshes.Add(1)
		time.Sleep(50 * time.Millisecond)
		writeJSON(w, http.StatusOK, tokenSuccessResponse("fresh"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a, store := newTestAuthenticator(t, newTestVault(t), srv.URL)
	require.NoError(t, store.Save("work", &tokenstore.Record{
		AccessToken:  "stale",
		RefreshToken: "refresh-1",
		TokenType:    "Bearer",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}))

	const callers = 8
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			tokens[n], errs[n] = a.Token(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "fresh", tokens[i])
	}
	assert.Equal(t, int32(1), refreshes.Load())
}

func TestToken_RefreshRejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_grant",
			"error_description": "AADSTS70000: refresh token revoked",
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a, store := newTestAuthenticator(t, newTestVault(t), srv.URL)
	require.NoError(t, store.Save("work", &tokenstore.Record{
		AccessToken:  "stale",
		RefreshToken: "refresh-1",
		TokenType:    "Bearer",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}))

	_, err := a.Token(context.Background())
	assert.ErrorIs(t, err, ErrReauthRequired)
	assert.Equal(t, StateUnauthenticated, a.State())

	// A second call does not restart the device-code flow on its own.
	_, err = a.Token(context.Background())
	assert.ErrorIs(t, err, ErrReauthRequired)
}

func TestToken_ServerErrorIsTransient(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a, store := newTestAuthenticator(t, newTestVault(t), srv.URL)
	require.NoError(t, store.Save("work", &tokenstore.Record{
		AccessToken:  "stale",
		RefreshToken: "refresh-1",
		TokenType:    "Bearer",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}))

	_, err := a.Token(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrReauthRequired)
	assert.Equal(t, StateExpired, a.State())
}

func TestToken_NoRecord(t *testing.T) {
	a, _ := newTestAuthenticator(t, newTestVault(t), "http://127.0.0.1:0")

	_, err := a.Token(context.Background())
	assert.ErrorIs(t, err, ErrReauthRequired)
}

func TestToken_KeepsOldRefreshTokenWhenOmitted(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": "fresh",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a, store := newTestAuthenticator(t, newTestVault(t), srv.URL)
	require.NoError(t, store.Save("work", &tokenstore.Record{
		AccessToken:  "stale",
		RefreshToken: "refresh-old",
		TokenType:    "Bearer",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}))

	_, err := a.Token(context.Background())
	require.NoError(t, err)

	saved, err := store.Load("work")
	require.NoError(t, err)
	assert.Equal(t, "refresh-old", saved.RefreshToken)
}

func TestDisconnect(t *testing.T) {
	a, store := newTestAuthenticator(t, newTestVault(t), "http://127.0.0.1:0")
	require.NoError(t, store.Save("work", &tokenstore.Record{
		AccessToken: "cached",
		TokenType:   "Bearer",
		ExpiresAt:   time.Now().Add(time.Hour),
	}))

	require.NoError(t, a.Disconnect())
	assert.Equal(t, StateUnauthenticated, a.State())
	assert.False(t, store.Exists("work"))

	_, err := a.Token(context.Background())
	assert.ErrorIs(t, err, ErrReauthRequired)

	// Disconnecting again is a no-op.
	assert.NoError(t, a.Disconnect())
}

func TestStatus(t *testing.T) {
	t.Run("configured and connected", func(t *testing.T) {
		a, store := newTestAuthenticator(t, newTestVault(t), "http://127.0.0.1:0")
		require.NoError(t, store.Save("work", &tokenstore.Record{
			AccessToken: "cached",
			TokenType:   "Bearer",
			ExpiresAt:   time.Now().Add(time.Hour),
			Account:     "user@contoso.com",
		}))

		st := a.Status()
		assert.Equal(t, "work", st.Profile)
		assert.True(t, st.Configured)
		assert.True(t, st.HasTokens)
		assert.True(t, st.Connected)
		assert.Equal(t, "user@contoso.com", st.Account)
		assert.Equal(t, "11111111...", st.TenantID)
	})

	t.Run("not configured", func(t *testing.T) {
		v := &fakeVault{err: vault.ErrRegistrationMissing}
		a, _ := newTestAuthenticator(t, v, "http://127.0.0.1:0")

		st := a.Status()
		assert.False(t, st.Configured)
		assert.False(t, st.HasTokens)
		assert.Empty(t, st.TenantID)
	})

	t.Run("undecryptable record treated as unauthenticated", func(t *testing.T) {
		a, store := newTestAuthenticator(t, newTestVault(t), "http://127.0.0.1:0")
		require.NoError(t, store.Save("work", &tokenstore.Record{
			AccessToken: "cached", TokenType: "Bearer", ExpiresAt: time.Now().Add(time.Hour),
		}))
		// Corrupt the file in place.
		path := store.Path("work")
		require.NoError(t, corruptFile(path))

		st := a.Status()
		assert.Equal(t, StateUnauthenticated, st.State)
		assert.True(t, st.HasTokens, "stale file still present on disk")
	})
}
