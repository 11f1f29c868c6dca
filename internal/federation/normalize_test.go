package federation_test

import (
	"testing"

	"github.com/pilab-dev/shadow-aaa/domain"
	"github.com/pilab-dev/shadow-aaa/internal/federation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeFacebook(t *testing.T) {
	ident, err := federation.Normalize(domain.ProviderFacebook, []byte(`{
		"id": "10001",
		"name": "Bob Smith",
		"email": "bob@x.com",
		"picture": {"data": {"url": "https://fb.example/bob.jpg", "is_silhouette": false}}
	}`))
	require.NoError(t, err)
	assert.Equal(t, domain.ExternalIdentity{
		Provider:       domain.ProviderFacebook,
		ExternalID:     "10001",
		CandidateLogin: "Bob Smith",
		Email:          "bob@x.com",
		AvatarURL:      "https://fb.example/bob.jpg",
	}, *ident)

	ident, err = federation.Normalize(domain.ProviderFacebook, []byte(`{"id":"10002","name":"No Face",
		"picture":{"data":{"url":"https://fb.example/default.jpg","is_silhouette":true}}}`))
	require.NoError(t, err)
	assert.Empty(t, ident.AvatarURL, "silhouette placeholders are not avatars")
	assert.Empty(t, ident.Email)
}

func TestNormalizeVkontakte(t *testing.T) {
	wrapped, err := federation.Normalize(domain.ProviderVkontakte, []byte(`{"response":[
		{"id": 777, "first_name": "Иван", "last_name": "Петров", "photo_100": "https://vk.example/100.jpg"}
	]}`))
	require.NoError(t, err)
	assert.Equal(t, "777", wrapped.ExternalID)
	assert.Equal(t, "Иван Петров", wrapped.CandidateLogin)
	assert.Equal(t, "https://vk.example/100.jpg", wrapped.AvatarURL)
	assert.Empty(t, wrapped.Email)

	bare, err := federation.Normalize(domain.ProviderVkontakte, []byte(`{"id": 778, "screen_name": "durov", "photo_200": "https://vk.example/200.jpg"}`))
	require.NoError(t, err)
	assert.Equal(t, "778", bare.ExternalID)
	assert.Equal(t, "durov", bare.CandidateLogin)
	assert.Equal(t, "https://vk.example/200.jpg", bare.AvatarURL)
}

func TestNormalizeGoogle(t *testing.T) {
	ident, err := federation.Normalize(domain.ProviderGoogle, []byte(`{"sub":"g-1","email":"jane.doe@gmail.com"}`))
	require.NoError(t, err)
	assert.Equal(t, "g-1", ident.ExternalID)
	assert.Equal(t, "jane.doe", ident.CandidateLogin, "login falls back to the email local part")
	assert.Equal(t, "jane.doe@gmail.com", ident.Email)
	assert.Empty(t, ident.AvatarURL)

	unverified, err := federation.Normalize(domain.ProviderGoogle, []byte(`{"sub":"g-2","name":"Mallory","email":"victim@x.com","email_verified":false}`))
	require.NoError(t, err)
	assert.Empty(t, unverified.Email, "unverified emails are dropped")
	assert.Equal(t, "Mallory", unverified.CandidateLogin)
}

func TestNormalizeKeycloak(t *testing.T) {
	admin, err := federation.Normalize(domain.ProviderKeycloak, []byte(`{
		"id": "kc-1", "username": "jdoe", "email": "jdoe@corp.example", "emailVerified": true, "admin": true
	}`))
	require.NoError(t, err)
	assert.Equal(t, "kc-1", admin.ExternalID)
	assert.Equal(t, "jdoe", admin.CandidateLogin)
	assert.Equal(t, "jdoe@corp.example", admin.Email)
	assert.True(t, admin.IsAdminHint)

	userinfo, err := federation.Normalize(domain.ProviderKeycloak, []byte(`{
		"sub": "kc-2", "preferred_username": "anon", "email": "anon@corp.example", "email_verified": false
	}`))
	require.NoError(t, err)
	assert.Equal(t, "kc-2", userinfo.ExternalID)
	assert.Equal(t, "anon", userinfo.CandidateLogin)
	assert.Empty(t, userinfo.Email, "unverified emails are dropped")
	assert.False(t, userinfo.IsAdminHint)

	unknown, err := federation.Normalize(domain.ProviderKeycloak, []byte(`{"id":"kc-3","email":"x@corp.example"}`))
	require.NoError(t, err)
	assert.Equal(t, "x@corp.example", unknown.Email, "a missing verification flag keeps the email")
}

func TestNormalize_Errors(t *testing.T) {
	_, err := federation.Normalize(domain.ProviderGoogle, []byte(`{"name":"nobody"}`))
	assert.ErrorIs(t, err, federation.ErrMalformedPayload)

	_, err = federation.Normalize(domain.ProviderFacebook, []byte(`not json`))
	assert.ErrorIs(t, err, federation.ErrMalformedPayload)

	_, err = federation.Normalize(domain.ProviderVkontakte, []byte(`{"error":{"error_code":5}}`))
	assert.ErrorIs(t, err, federation.ErrMalformedPayload)

	_, err = federation.Normalize(domain.ProviderLDAP, []byte(`{}`))
	assert.ErrorIs(t, err, federation.ErrProviderNotConfigured)
}
