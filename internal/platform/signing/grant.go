// Package signing issues short-lived HMAC grants that let the player fetch a
// paywalled episode without another entitlement lookup.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var ErrMissingGrant = errors.New("signing: missing grant params")

type Signer struct {
	Secret []byte
	now    func() time.Time
}

// Grant authorises UserID to play EpisodeID until Exp (unix seconds).
type Grant struct {
	EpisodeID string `json:"episode_id"`
	UserID    string `json:"user_id"`
	Exp       int64  `json:"exp"`
	Sig       string `json:"sig"`
}

func New(secret string) *Signer {
	return &Signer{Secret: []byte(secret), now: time.Now}
}

func (s *Signer) Sign(episodeID, userID string, exp time.Time) Grant {
	return Grant{
		EpisodeID: episodeID,
		UserID:    userID,
		Exp:       exp.Unix(),
		Sig:       s.signValue(episodeID, userID, exp.Unix()),
	}
}

func (s *Signer) Verify(g Grant) bool {
	if s.now().Unix() > g.Exp {
		return false
	}
	return hmac.Equal([]byte(g.Sig), []byte(s.signValue(g.EpisodeID, g.UserID, g.Exp)))
}

func (s *Signer) signValue(episodeID, userID string, exp int64) string {
	mac := hmac.New(sha256.New, s.Secret)
	mac.Write([]byte(episodeID))
	mac.Write([]byte("|"))
	mac.Write([]byte(userID))
	mac.Write([]byte("|"))
	mac.Write([]byte(strconv.FormatInt(exp, 10)))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// BuildPlaybackURL appends the grant to base as query parameters.
func BuildPlaybackURL(base string, g Grant) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("episode", g.EpisodeID)
	q.Set("uid", g.UserID)
	q.Set("exp", strconv.FormatInt(g.Exp, 10))
	q.Set("sig", g.Sig)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func ExtractGrant(query url.Values) (Grant, error) {
	g := Grant{
		EpisodeID: strings.TrimSpace(query.Get("episode")),
		UserID:    strings.TrimSpace(query.Get("uid")),
		Sig:       strings.TrimSpace(query.Get("sig")),
	}
	expStr := strings.TrimSpace(query.Get("exp"))
	if g.EpisodeID == "" || g.UserID == "" || expStr == "" || g.Sig == "" {
		return Grant{}, ErrMissingGrant
	}
	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return Grant{}, err
	}
	g.Exp = exp
	return g, nil
}
