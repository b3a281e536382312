package util

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRedirectURI(t *testing.T) {
	tests := []struct {
		name    string
		uri     string
		wantErr error
	}{
		{name: "https callback", uri: "https://emr.hospital.example/callback"},
		{name: "loopback with port", uri: "http://127.0.0.1:8080/cb"},
		{name: "custom scheme for native app", uri: "com.example.emr://oauth/cb"},
		{name: "relative path", uri: "/callback", wantErr: ErrRedirectURINotAbsolute},
		{name: "missing host", uri: "https:///cb", wantErr: ErrRedirectURINotAbsolute},
		{name: "fragment", uri: "https://emr.example/cb#frag", wantErr: ErrRedirectURIFragment},
		{name: "javascript scheme", uri: "javascript://x/alert(1)", wantErr: ErrRedirectURIScheme},
		{name: "header injection", uri: "https://a.example/cb\r\nX: y", wantErr: ErrRedirectURIScheme},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRedirectURI(tt.uri)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestAppendQuery(t *testing.T) {
	got, err := AppendQuery(
		"https://emr.example/cb?tenant=a",
		url.Values{"code": {"abc"}, "state": {"xyz"}},
	)
	require.NoError(t, err)

	u, err := url.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, "a", u.Query().Get("tenant"))
	assert.Equal(t, "abc", u.Query().Get("code"))
	assert.Equal(t, "xyz", u.Query().Get("state"))
}

func TestAppendQuery_KeepsRegisteredQueryVerbatim(t *testing.T) {
	registered := "https://emr.example/cb?z=1&a=%2Fpath&flag"
	got, err := AppendQuery(registered, url.Values{"state": {"s 1"}, "code": {"abc"}})
	require.NoError(t, err)
	assert.Equal(t, registered+"&code=abc&state=s+1", got)

	got, err = AppendQuery("https://emr.example/cb", url.Values{"code": {"abc"}})
	require.NoError(t, err)
	assert.Equal(t, "https://emr.example/cb?code=abc", got)

	got, err = AppendQuery(registered, nil)
	require.NoError(t, err)
	assert.Equal(t, registered, got)
}
