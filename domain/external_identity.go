package domain

// ExternalIdentity is the provider-independent shape every OAuth2 payload and
// directory entry is normalized into before it reaches the resolver.
type ExternalIdentity struct {
	Provider       Provider
	ExternalID     string
	CandidateLogin string
	Email          string
	AvatarURL      string
	IsAdminHint    bool
}
