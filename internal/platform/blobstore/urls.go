package blobstore

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// URLPolicy controls how blob names are turned into client URLs.
type URLPolicy string

const (
	// PolicyPublic yields stable unauthenticated URLs.
	PolicyPublic URLPolicy = "public"
	// PolicySigned yields URLs carrying an expiry and an HMAC signature.
	PolicySigned URLPolicy = "signed"
)

var (
	ErrURLExpired       = errors.New("blob url expired")
	ErrInvalidSignature = errors.New("invalid blob url signature")
)

// URLResolver maps stored blob names to the URLs clients use to fetch them.
// Blob names are never stored as URLs; the URL is derived on every read.
type URLResolver struct {
	baseURL string
	policy  URLPolicy
	key     []byte
	ttl     time.Duration
	now     func() time.Time
}

// NewURLResolver returns a resolver rooted at baseURL. key and ttl only
// matter for PolicySigned.
func NewURLResolver(baseURL string, policy URLPolicy, key []byte, ttl time.Duration) *URLResolver {
	if policy != PolicySigned {
		policy = PolicyPublic
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &URLResolver{
		baseURL: strings.TrimRight(baseURL, "/"),
		policy:  policy,
		key:     key,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Policy returns the active URL policy.
func (r *URLResolver) Policy() URLPolicy { return r.policy }

// Path returns the server-relative path of a blob, e.g. /uploads/images/x.png.
func Path(name string) (string, error) {
	kind, err := ParseName(name)
	if err != nil {
		return "", err
	}
	return "/uploads/" + kind.Dir() + "/" + name, nil
}

// Resolve returns the URL for name, or "" when name is empty or malformed.
//
// Signed URLs expire at the end of the TTL window following the current
// one, so repeated reads within a window produce identical URLs and every
// URL stays valid for at least one full TTL.
func (r *URLResolver) Resolve(name string) string {
	if name == "" {
		return ""
	}
	p, err := Path(name)
	if err != nil {
		return ""
	}
	u := r.baseURL + p
	if r.policy != PolicySigned {
		return u
	}
	exp := r.now().Truncate(r.ttl).Add(2 * r.ttl).Unix()
	return fmt.Sprintf("%s?exp=%d&sig=%s", u, exp, r.sign(name, exp))
}

// ResolvePtr is Resolve for optional names. It returns nil when name is nil
// or empty.
func (r *URLResolver) ResolvePtr(name *string) *string {
	if name == nil || *name == "" {
		return nil
	}
	u := r.Resolve(*name)
	if u == "" {
		return nil
	}
	return &u
}

// Verify checks the exp and sig query values of a signed URL. It always
// succeeds under PolicyPublic.
func (r *URLResolver) Verify(name, exp, sig string) error {
	if r.policy != PolicySigned {
		return nil
	}
	expUnix, err := strconv.ParseInt(exp, 10, 64)
	if err != nil || sig == "" {
		return ErrInvalidSignature
	}
	want := r.sign(name, expUnix)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return ErrInvalidSignature
	}
	if r.now().Unix() > expUnix {
		return ErrURLExpired
	}
	return nil
}

func (r *URLResolver) sign(name string, exp int64) string {
	mac := hmac.New(sha256.New, r.key)
	fmt.Fprintf(mac, "%s\n%d", name, exp)
	return hex.EncodeToString(mac.Sum(nil))
}
