package cache

import (
	"github.com/pilab-dev/shadow-aaa/domain"
)

// TokenKey is the storage key of a token. Only the hash of the id is stored
// so a dump of the store holds nothing redeemable.
func TokenKey(kind domain.TokenKind, id string) string {
	return string(kind) + ":" + HashToken(id)
}
