// Package keys produces and reads the static Ed25519 key material used by the
// tunnel binaries: PKCS#8 DER private keys and raw 32-byte public keys.
package keys

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	encoding_asn1 "encoding/asn1"
	"fmt"
	"io"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/cochaviz/tunnelbed/internal/errdefs"
)

const (
	// PublicKeySize is the length of a raw public key file.
	PublicKeySize = ed25519.PublicKeySize
	// publicKeyInfoSize is the DER SubjectPublicKeyInfo length for Ed25519.
	publicKeyInfoSize = 44
)

var (
	oidEd25519 = encoding_asn1.ObjectIdentifier{1, 3, 101, 112}

	// SEQUENCE { SEQUENCE { OID 1.3.101.112 } BIT STRING (0 unused bits) }
	publicKeyInfoPrefix = []byte{0x30, 0x2a, 0x30, 0x05, 0x06, 0x03, 0x2b, 0x65, 0x70, 0x03, 0x21, 0x00}
)

// GeneratePrivateKey returns a new Ed25519 private key encoded as PKCS#8 v1
// DER (48 bytes).
func GeneratePrivateKey(random io.Reader) ([]byte, error) {
	if random == nil {
		random = rand.Reader
	}
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(random, seed); err != nil {
		return nil, fmt.Errorf("%w: read random seed: %v", errdefs.ErrIO, err)
	}
	return marshalPrivateKey(seed)
}

// Generate writes a fresh private key to sink.
func Generate(sink Sink) error {
	if err := requireNonInteractive(sink); err != nil {
		return err
	}
	der, err := GeneratePrivateKey(rand.Reader)
	if err != nil {
		return err
	}
	return write(sink, der)
}

// PublicKey derives the raw public key from a PKCS#8 DER private key. The
// SubjectPublicKeyInfo is built first and its trailing 32 bytes returned, so a
// wrong algorithm or a malformed key yields errdefs.ErrFormat.
func PublicKey(der []byte) ([]byte, error) {
	seed, err := parsePrivateKey(der)
	if err != nil {
		return nil, err
	}
	public := ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)

	info, err := marshalPublicKeyInfo(public)
	if err != nil {
		return nil, err
	}
	if len(info) != publicKeyInfoSize || !bytes.HasPrefix(info, publicKeyInfoPrefix) {
		return nil, fmt.Errorf("%w: public key info is %d bytes, want %d", errdefs.ErrFormat, len(info), publicKeyInfoSize)
	}
	return info[len(info)-PublicKeySize:], nil
}

// WritePublicKey derives the public key of der and writes it to sink.
func WritePublicKey(der []byte, sink Sink) error {
	if err := requireNonInteractive(sink); err != nil {
		return err
	}
	public, err := PublicKey(der)
	if err != nil {
		return err
	}
	return write(sink, public)
}

// ValidatePublicKey checks that b has the shape of a raw public key file.
func ValidatePublicKey(b []byte) error {
	if len(b) != PublicKeySize {
		return fmt.Errorf("%w: public key is %d bytes, want %d", errdefs.ErrFormat, len(b), PublicKeySize)
	}
	return nil
}

func marshalPrivateKey(seed []byte) ([]byte, error) {
	var inner cryptobyte.Builder
	inner.AddASN1OctetString(seed)
	curvePrivateKey, err := inner.Bytes()
	if err != nil {
		return nil, fmt.Errorf("%w: encode seed: %v", errdefs.ErrFormat, err)
	}

	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(0)
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(oidEd25519)
		})
		b.AddASN1OctetString(curvePrivateKey)
	})
	der, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("%w: encode private key: %v", errdefs.ErrFormat, err)
	}
	return der, nil
}

// parsePrivateKey accepts PKCS#8 v1 and v2 (RFC 5958); trailing attributes
// and the optional embedded public key are ignored.
func parsePrivateKey(der []byte) ([]byte, error) {
	input := cryptobyte.String(der)
	var (
		info      cryptobyte.String
		version   int64
		algorithm cryptobyte.String
		oid       encoding_asn1.ObjectIdentifier
		octets    cryptobyte.String
		seed      cryptobyte.String
	)
	if !input.ReadASN1(&info, cbasn1.SEQUENCE) || !input.Empty() {
		return nil, fmt.Errorf("%w: not a DER sequence", errdefs.ErrFormat)
	}
	if !info.ReadASN1Integer(&version) || (version != 0 && version != 1) {
		return nil, fmt.Errorf("%w: unsupported PKCS#8 version", errdefs.ErrFormat)
	}
	if !info.ReadASN1(&algorithm, cbasn1.SEQUENCE) || !algorithm.ReadASN1ObjectIdentifier(&oid) {
		return nil, fmt.Errorf("%w: missing algorithm identifier", errdefs.ErrFormat)
	}
	if !oid.Equal(oidEd25519) || !algorithm.Empty() {
		return nil, fmt.Errorf("%w: algorithm %s is not Ed25519", errdefs.ErrFormat, oid)
	}
	if !info.ReadASN1(&octets, cbasn1.OCTET_STRING) || !octets.ReadASN1(&seed, cbasn1.OCTET_STRING) || !octets.Empty() {
		return nil, fmt.Errorf("%w: malformed private key octets", errdefs.ErrFormat)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed is %d bytes, want %d", errdefs.ErrFormat, len(seed), ed25519.SeedSize)
	}
	return []byte(seed), nil
}

func marshalPublicKeyInfo(public ed25519.PublicKey) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(oidEd25519)
		})
		b.AddASN1BitString(public)
	})
	info, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("%w: encode public key info: %v", errdefs.ErrFormat, err)
	}
	return info, nil
}
