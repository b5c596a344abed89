package onvif

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"time"
)

const (
	passwordDigestType = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-username-token-profile-1.0#PasswordDigest"
	base64EncodingType = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-soap-message-security-1.0#Base64Binary"
	createdLayout      = "2006-01-02T15:04:05.000Z"
)

type security struct {
	MustUnderstand string        `xml:"s:mustUnderstand,attr"`
	UsernameToken  usernameToken `xml:"wsse:UsernameToken"`
}

type usernameToken struct {
	Username string       `xml:"wsse:Username"`
	Password typedValue   `xml:"wsse:Password"`
	Nonce    encodedValue `xml:"wsse:Nonce"`
	Created  string       `xml:"wsu:Created"`
}

type typedValue struct {
	Type  string `xml:"Type,attr"`
	Value string `xml:",chardata"`
}

type encodedValue struct {
	EncodingType string `xml:"EncodingType,attr"`
	Value        string `xml:",chardata"`
}

// newSecurity builds a UsernameToken with a PasswordDigest:
// base64(sha1(nonce + created + password)).
func newSecurity(username, password string, now time.Time) (*security, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	created := now.UTC().Format(createdLayout)
	return &security{
		MustUnderstand: "1",
		UsernameToken: usernameToken{
			Username: username,
			Password: typedValue{Type: passwordDigestType, Value: passwordDigest(nonce, created, password)},
			Nonce:    encodedValue{EncodingType: base64EncodingType, Value: base64.StdEncoding.EncodeToString(nonce)},
			Created:  created,
		},
	}, nil
}

func passwordDigest(nonce []byte, created, password string) string {
	h := sha1.New()
	h.Write(nonce)
	h.Write([]byte(created))
	h.Write([]byte(password))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
