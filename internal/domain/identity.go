package domain

// Identity is the normalized target a commit signature is matched against.
// An empty Email disables email matching; an empty Username disables name matching.
type Identity struct {
	Username string
	Email    string
}

// NewIdentity trims and lowercases both fields.
func NewIdentity(username, email string) Identity {
	return Identity{Username: normalize(username), Email: normalize(email)}
}

// Matches reports whether the commit was authored or committed by the identity.
// Email is checked first; names are only consulted when email did not match.
func (id Identity) Matches(sig CommitSignature) bool {
	if id.Email != "" && (sig.AuthorEmail == id.Email || sig.CommitterEmail == id.Email) {
		return true
	}
	return id.Username != "" && (sig.AuthorName == id.Username || sig.CommitterName == id.Username)
}
