package mls

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"hash"
	"io"

	circlEd25519 "github.com/cloudflare/circl/sign/ed25519"
	circlEd448 "github.com/cloudflare/circl/sign/ed448"
	hpke "github.com/cisco/go-hpke"
	"golang.org/x/crypto/hkdf"
)

// CipherSuite is the small integer naming the {KEM, KDF, AEAD, signature,
// hash} bundle every cryptographic choice in a group is keyed on.
type CipherSuite uint16

const (
	// MLS10_128_DHKEMX25519_AES128GCM_SHA256_Ed25519 is the suite exercised
	// by every scenario in the testable-properties section.
	MLS10_128_DHKEMX25519_AES128GCM_SHA256_Ed25519 CipherSuite = 1
	// MLS10_256_DHKEMX448_AES256GCM_SHA512_Ed448 is the 256-bit suite; it
	// exercises the X448 KEM group (and transitively yawning/x448) and the
	// circl Ed448 signer.
	MLS10_256_DHKEMX448_AES256GCM_SHA512_Ed448 CipherSuite = 2
)

func (cs CipherSuite) String() string {
	switch cs {
	case MLS10_128_DHKEMX25519_AES128GCM_SHA256_Ed25519:
		return "MLS10_128_DHKEMX25519_AES128GCM_SHA256_Ed25519"
	case MLS10_256_DHKEMX448_AES256GCM_SHA512_Ed448:
		return "MLS10_256_DHKEMX448_AES256GCM_SHA512_Ed448"
	default:
		return "UnknownCipherSuite"
	}
}

func (cs CipherSuite) IsValid() bool {
	_, ok := providers[cs]
	return ok
}

// suiteConstants are the sizes Nh/Nk/Nn (plus the secret size) driven by the
// suite's choice of hash/AEAD/KEM, mirroring the teacher's suite.constants().
type suiteConstants struct {
	HashSize   int // Nh
	KeySize    int // Nk
	NonceSize  int // Nn
	SecretSize int // matches Nh for every suite defined by the RFC
}

// CipherSuiteProvider is the injectable capability covering every primitive
// operation: HPKE seal/open, AEAD, sign/verify, HKDF, hash, and KEM key
// generation/validation. Implementations must not block on I/O.
type CipherSuiteProvider interface {
	Suite() CipherSuite
	Constants() suiteConstants

	Hash(data []byte) []byte
	HkdfExtract(salt, ikm []byte) []byte
	HkdfExpand(prk []byte, info []byte, length int) []byte
	// HkdfExpandLabel implements RFC-style Expand-Label(secret, label, context, length).
	HkdfExpandLabel(secret []byte, label string, context []byte, length int) []byte
	// DeriveSecret is Derive-Secret(secret, label) = Expand-Label(secret, label, "", Nh).
	DeriveSecret(secret []byte, label string) []byte
	// DeriveAppSecret is the secret tree's per-(node,generation) derivation:
	// Expand-Label(secret, label, node || generation, length).
	DeriveAppSecret(secret []byte, label string, node nodeIndex, generation uint32, length int) []byte

	AeadSeal(key, nonce, aad, plaintext []byte) ([]byte, error)
	AeadOpen(key, nonce, aad, ciphertext []byte) ([]byte, error)

	SignatureKeyGenerate() (priv, pub []byte, err error)
	Sign(priv, message []byte) ([]byte, error)
	Verify(pub, message, signature []byte) bool

	KemGenerate() (priv, pub []byte, err error)
	KemDerive(seed []byte) (priv, pub []byte, err error)
	KemPublicKeyValidate(pub []byte) bool
	// HpkeSeal/HpkeOpen implement single-shot base-mode HPKE as used for
	// TreeKEM path-secret and Welcome group_secrets encryption.
	HpkeSeal(pub, aad, plaintext []byte) (enc, ciphertext []byte, err error)
	HpkeOpen(priv, enc, aad, ciphertext []byte) ([]byte, error)
}

var providers = map[CipherSuite]CipherSuiteProvider{
	MLS10_128_DHKEMX25519_AES128GCM_SHA256_Ed25519: &genericProvider{
		suite:     MLS10_128_DHKEMX25519_AES128GCM_SHA256_Ed25519,
		hashNew:   sha256.New,
		constants: suiteConstants{HashSize: 32, KeySize: 16, NonceSize: 12, SecretSize: 32},
		hpkeSuite: mustAssembleHPKE(hpke.DHKEM_X25519, hpke.KDF_HKDF_SHA256, hpke.AEAD_AESGCM128),
		aeadNew:   newAESGCM(16),
		sign:      ed25519Signer{},
	},
	MLS10_256_DHKEMX448_AES256GCM_SHA512_Ed448: &genericProvider{
		suite:     MLS10_256_DHKEMX448_AES256GCM_SHA512_Ed448,
		hashNew:   sha512.New,
		constants: suiteConstants{HashSize: 64, KeySize: 32, NonceSize: 12, SecretSize: 64},
		hpkeSuite: mustAssembleHPKE(hpke.DHKEM_X448, hpke.KDF_HKDF_SHA512, hpke.AEAD_AESGCM256),
		aeadNew:   newAESGCM(32),
		sign:      ed448Signer{},
	},
}

// Provider looks up the default CipherSuiteProvider for a suite. Callers
// needing deterministic tests or a different primitive backend supply their
// own CipherSuiteProvider directly instead of going through this registry.
func Provider(cs CipherSuite) (CipherSuiteProvider, error) {
	p, ok := providers[cs]
	if !ok {
		return nil, newErr(ErrCipherSuiteMismatch, "unsupported cipher suite %v", cs)
	}
	return p, nil
}

func mustAssembleHPKE(kem hpke.KEMID, kdf hpke.KDFID, aead hpke.AEADID) hpke.CipherSuite {
	suite, err := hpke.AssembleCipherSuite(kem, kdf, aead)
	if err != nil {
		panic("mls: unsupported HPKE cipher suite combination: " + err.Error())
	}
	return suite
}

// signatureBackend abstracts over the two signature schemes the two suites
// use, both backed by circl rather than a hand-rolled signer.
type signatureBackend interface {
	generate() (priv, pub []byte, err error)
	sign(priv, message []byte) ([]byte, error)
	verify(pub, message, signature []byte) bool
}

type ed25519Signer struct{}

func (ed25519Signer) generate() (priv, pub []byte, err error) {
	pk, sk, err := circlEd25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return dup(sk), dup(pk), nil
}

func (ed25519Signer) sign(priv, message []byte) ([]byte, error) {
	return circlEd25519.Sign(circlEd25519.PrivateKey(priv), message), nil
}

func (ed25519Signer) verify(pub, message, signature []byte) bool {
	if len(pub) != circlEd25519.PublicKeySize {
		return false
	}
	return circlEd25519.Verify(circlEd25519.PublicKey(pub), message, signature)
}

type ed448Signer struct{}

func (ed448Signer) generate() (priv, pub []byte, err error) {
	pk, sk, err := circlEd448.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return dup(sk), dup(pk), nil
}

func (ed448Signer) sign(priv, message []byte) ([]byte, error) {
	return circlEd448.Sign(circlEd448.PrivateKey(priv), message, ""), nil
}

func (ed448Signer) verify(pub, message, signature []byte) bool {
	if len(pub) != circlEd448.PublicKeySize {
		return false
	}
	return circlEd448.Verify(circlEd448.PublicKey(pub), message, signature, "")
}

// newAESGCM returns a constructor for the stdlib AES-GCM AEAD at a given key
// size. No example in the retrieval pack wires an alternative AEAD library
// for plain (non-HPKE) AES-GCM, so this and the stdlib hashing are the two
// stdlib-only leaves in the crypto facade; see DESIGN.md.
func newAESGCM(keySize int) func(key []byte) (cipher.AEAD, error) {
	return func(key []byte) (cipher.AEAD, error) {
		if len(key) != keySize {
			return nil, newErr(ErrAeadFailure, "bad key size %d, want %d", len(key), keySize)
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, wrapErr(ErrAeadFailure, err, "aes.NewCipher")
		}
		return cipher.NewGCM(block)
	}
}

type genericProvider struct {
	suite     CipherSuite
	hashNew   func() hash.Hash
	constants suiteConstants
	hpkeSuite hpke.CipherSuite
	aeadNew   func(key []byte) (cipher.AEAD, error)
	sign      signatureBackend
}

func (p *genericProvider) Suite() CipherSuite          { return p.suite }
func (p *genericProvider) Constants() suiteConstants   { return p.constants }

func (p *genericProvider) Hash(data []byte) []byte {
	h := p.hashNew()
	h.Write(data)
	return h.Sum(nil)
}

func (p *genericProvider) HkdfExtract(salt, ikm []byte) []byte {
	return hkdf.Extract(p.hashNew, ikm, salt)
}

func (p *genericProvider) HkdfExpand(prk, info []byte, length int) []byte {
	out := make([]byte, length)
	r := hkdf.Expand(p.hashNew, prk, info)
	if _, err := io.ReadFull(r, out); err != nil {
		panic("mls: hkdf expand failed: " + err.Error())
	}
	return out
}

// hkdfLabel is the "MLS 1.0 " || label || context presentation-language
// struct that HKDF-Expand-Label feeds as `info` to HKDF-Expand.
type hkdfLabel struct {
	Length  uint16
	Label   []byte `tls:"head=1"`
	Context []byte `tls:"head=4"`
}

func (p *genericProvider) HkdfExpandLabel(secret []byte, label string, context []byte, length int) []byte {
	lbl := hkdfLabel{
		Length:  uint16(length),
		Label:   append([]byte("MLS 1.0 "), []byte(label)...),
		Context: context,
	}
	info := mustMarshal(lbl)
	return p.HkdfExpand(secret, info, length)
}

func (p *genericProvider) DeriveSecret(secret []byte, label string) []byte {
	return p.HkdfExpandLabel(secret, label, []byte{}, p.constants.SecretSize)
}

// DeriveAppSecret mirrors the teacher's suite.deriveAppSecret(secret, label,
// node, generation, size): a context-bound Expand-Label over (node,
// generation), used by the secret tree's hash ratchets.
func (p *genericProvider) DeriveAppSecret(secret []byte, label string, node nodeIndex, generation uint32, length int) []byte {
	context := make([]byte, 4+4)
	binary.BigEndian.PutUint32(context[0:4], uint32(node))
	binary.BigEndian.PutUint32(context[4:8], generation)
	return p.HkdfExpandLabel(secret, label, context, length)
}

func (p *genericProvider) AeadSeal(key, nonce, aad, plaintext []byte) ([]byte, error) {
	a, err := p.aeadNew(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != a.NonceSize() {
		return nil, newErr(ErrAeadFailure, "bad nonce size %d", len(nonce))
	}
	return a.Seal(nil, nonce, plaintext, aad), nil
}

func (p *genericProvider) AeadOpen(key, nonce, aad, ciphertext []byte) ([]byte, error) {
	a, err := p.aeadNew(key)
	if err != nil {
		return nil, err
	}
	out, err := a.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, wrapErr(ErrAeadFailure, err, "aead open")
	}
	return out, nil
}

func (p *genericProvider) SignatureKeyGenerate() (priv, pub []byte, err error) {
	return p.sign.generate()
}

func (p *genericProvider) Sign(priv, message []byte) ([]byte, error) {
	return p.sign.sign(priv, message)
}

func (p *genericProvider) Verify(pub, message, signature []byte) bool {
	return p.sign.verify(pub, message, signature)
}

func (p *genericProvider) KemGenerate() (priv, pub []byte, err error) {
	seed := make([]byte, p.hpkeSuite.KEM.PrivateKeySize())
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return nil, nil, err
	}
	sk, pk, err := p.hpkeSuite.KEM.DeriveKeyPair(seed)
	if err != nil {
		return nil, nil, err
	}
	return p.hpkeSuite.KEM.SerializePrivateKey(sk), p.hpkeSuite.KEM.SerializePublicKey(pk), nil
}

func (p *genericProvider) KemDerive(seed []byte) (priv, pub []byte, err error) {
	sk, pk, err := p.hpkeSuite.KEM.DeriveKeyPair(seed)
	if err != nil {
		return nil, nil, err
	}
	return p.hpkeSuite.KEM.SerializePrivateKey(sk), p.hpkeSuite.KEM.SerializePublicKey(pk), nil
}

func (p *genericProvider) KemPublicKeyValidate(pub []byte) bool {
	_, err := p.hpkeSuite.KEM.DeserializePublicKey(pub)
	return err == nil
}

func (p *genericProvider) HpkeSeal(pub, aad, plaintext []byte) (enc, ciphertext []byte, err error) {
	pk, err := p.hpkeSuite.KEM.DeserializePublicKey(pub)
	if err != nil {
		return nil, nil, wrapErr(ErrDecode, err, "hpke public key")
	}
	enc, ctx, err := hpke.SetupBaseS(p.hpkeSuite, rand.Reader, pk, []byte("mls"))
	if err != nil {
		return nil, nil, wrapErr(ErrAeadFailure, err, "hpke setup")
	}
	ciphertext = ctx.Seal(aad, plaintext)
	return enc, ciphertext, nil
}

func (p *genericProvider) HpkeOpen(priv, enc, aad, ciphertext []byte) ([]byte, error) {
	sk, err := p.hpkeSuite.KEM.DeserializePrivateKey(priv)
	if err != nil {
		return nil, wrapErr(ErrDecode, err, "hpke private key")
	}
	ctx, err := hpke.SetupBaseR(p.hpkeSuite, sk, enc, []byte("mls"))
	if err != nil {
		return nil, wrapErr(ErrAeadFailure, err, "hpke setup")
	}
	pt, err := ctx.Open(aad, ciphertext)
	if err != nil {
		return nil, wrapErr(ErrAeadFailure, err, "hpke open")
	}
	return pt, nil
}
