// Package passkeytest provides a software authenticator for exercising the
// registration and login ceremonies in tests. It answers with the same JSON a
// browser posts after navigator.credentials.create() and get().
package passkeytest

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"

	"github.com/fxamacker/cbor/v2"
)

const (
	flagUserPresent  = 0x01
	flagUserVerified = 0x04
	flagAttested     = 0x40
)

// coseKey is the COSE_Key map (RFC 9052) with integer labels in canonical
// order.
type coseKey struct {
	Kty int64  `cbor:"1,keyasint"`
	Alg int64  `cbor:"3,keyasint"`
	Crv int64  `cbor:"-1,keyasint"`
	X   []byte `cbor:"-2,keyasint"`
	Y   []byte `cbor:"-3,keyasint,omitempty"`
}

type attestationObject struct {
	Fmt      string         `cbor:"fmt"`
	AttStmt  map[string]any `cbor:"attStmt"`
	AuthData []byte         `cbor:"authData"`
}

// Authenticator holds one key pair and its signature counter.
type Authenticator struct {
	RPID   string
	Origin string
	// Counter is the value reported on the next ceremony. Zero disables
	// counting, as some platform authenticators do.
	Counter uint32
	// UserHandle, when set, is returned with every assertion.
	UserHandle []byte

	id     []byte
	ed     ed25519.PrivateKey
	ec     *ecdsa.PrivateKey
	pubKey []byte
}

// New returns an Ed25519 authenticator.
func New(rpID, origin string) *Authenticator {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	pub := mustCBOR(coseKey{Kty: 1, Alg: -8, Crv: 6, X: priv.Public().(ed25519.PublicKey)})
	return &Authenticator{RPID: rpID, Origin: origin, id: randomID(), ed: priv, pubKey: pub}
}

// NewES256 returns a P-256 authenticator.
func NewES256(rpID, origin string) *Authenticator {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		panic(err)
	}
	x, y := make([]byte, 32), make([]byte, 32)
	priv.PublicKey.X.FillBytes(x)
	priv.PublicKey.Y.FillBytes(y)
	pub := mustCBOR(coseKey{Kty: 2, Alg: -7, Crv: 1, X: x, Y: y})
	return &Authenticator{RPID: rpID, Origin: origin, id: randomID(), ec: priv, pubKey: pub}
}

func (a *Authenticator) CredentialID() string {
	return b64(a.id)
}

// Attestation is the body posted to a registration finish endpoint.
type Attestation struct {
	ID       string `json:"id"`
	RawID    string `json:"rawId"`
	Type     string `json:"type"`
	Label    string `json:"label,omitempty"`
	Response struct {
		ClientDataJSON    string   `json:"clientDataJSON"`
		AttestationObject string   `json:"attestationObject"`
		Transports        []string `json:"transports,omitempty"`
	} `json:"response"`
}

func (r Attestation) JSON() []byte { return mustJSON(r) }

// Assertion is the body posted to the login finish endpoint.
type Assertion struct {
	ID       string `json:"id"`
	RawID    string `json:"rawId"`
	Type     string `json:"type"`
	Response struct {
		ClientDataJSON    string `json:"clientDataJSON"`
		AuthenticatorData string `json:"authenticatorData"`
		Signature         string `json:"signature"`
		UserHandle        string `json:"userHandle,omitempty"`
	} `json:"response"`
}

func (r Assertion) JSON() []byte { return mustJSON(r) }

// Register answers a registration challenge with a "none" attestation.
func (a *Authenticator) Register(challenge []byte) Attestation {
	a.advance()
	authData := a.authData(flagUserPresent | flagUserVerified | flagAttested)
	authData = append(authData, make([]byte, 16)...) // aaguid
	authData = binary.BigEndian.AppendUint16(authData, uint16(len(a.id)))
	authData = append(authData, a.id...)
	authData = append(authData, a.pubKey...)

	obj := mustCBOR(attestationObject{Fmt: "none", AttStmt: map[string]any{}, AuthData: authData})

	var r Attestation
	r.ID, r.RawID, r.Type = a.CredentialID(), a.CredentialID(), "public-key"
	r.Response.ClientDataJSON = b64(a.clientData("webauthn.create", challenge))
	r.Response.AttestationObject = b64(obj)
	r.Response.Transports = []string{"internal"}
	return r
}

// Login answers a login challenge and advances the counter if enabled.
func (a *Authenticator) Login(challenge []byte) Assertion {
	a.advance()
	authData := a.authData(flagUserPresent | flagUserVerified)
	cd := a.clientData("webauthn.get", challenge)
	cdHash := sha256.Sum256(cd)
	msg := append(append([]byte{}, authData...), cdHash[:]...)

	var r Assertion
	r.ID, r.RawID, r.Type = a.CredentialID(), a.CredentialID(), "public-key"
	r.Response.ClientDataJSON = b64(cd)
	r.Response.AuthenticatorData = b64(authData)
	r.Response.Signature = b64(a.sign(msg))
	if len(a.UserHandle) > 0 {
		r.Response.UserHandle = b64(a.UserHandle)
	}
	return r
}

func (a *Authenticator) advance() {
	if a.Counter > 0 {
		a.Counter++
	}
}

func (a *Authenticator) authData(flags byte) []byte {
	rpHash := sha256.Sum256([]byte(a.RPID))
	out := make([]byte, 37)
	copy(out, rpHash[:])
	out[32] = flags
	binary.BigEndian.PutUint32(out[33:], a.Counter)
	return out
}

func (a *Authenticator) clientData(typ string, challenge []byte) []byte {
	return mustJSON(map[string]string{
		"type":      typ,
		"challenge": b64(challenge),
		"origin":    a.Origin,
	})
}

func (a *Authenticator) sign(msg []byte) []byte {
	if a.ed != nil {
		return ed25519.Sign(a.ed, msg)
	}
	digest := sha256.Sum256(msg)
	sig, err := ecdsa.SignASN1(rand.Reader, a.ec, digest[:])
	if err != nil {
		panic(err)
	}
	return sig
}

func randomID() []byte {
	id := make([]byte, 16)
	if _, err := rand.Read(id); err != nil {
		panic(err)
	}
	return id
}

func mustCBOR(v any) []byte {
	b, err := cbor.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func b64(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
