// Package identity loads or creates the node's long-term keypair.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/flynn/noise"
	"golang.org/x/crypto/ssh"

	"zenoh/internal/crypto"
	"zenoh/pkg/wire"
)

// Identity holds the node's ED25519 keypair and what is derived from it.
// The zid announced in Init is bound to the Noise static key, so an
// encrypted link proves it.
type Identity struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
	Static     noise.DHKey
	ZID        wire.ZenohID
	SSHSigner  ssh.Signer
}

// Fingerprint is the OpenSSH SHA256 fingerprint of the public key, as
// printed for node.pub by ssh-keygen -l.
func (id *Identity) Fingerprint() string {
	return ssh.FingerprintSHA256(id.SSHSigner.PublicKey())
}

// Load reads the keypair from dataDir/identity/. If the key files don't
// exist, a new keypair is generated and persisted.
func Load(dataDir string) (*Identity, error) {
	keyDir := filepath.Join(dataDir, "identity")
	privPath := filepath.Join(keyDir, "node.key")
	pubPath := filepath.Join(keyDir, "node.pub")

	privPEM, err := os.ReadFile(privPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading private key: %w", err)
		}
		return generate(keyDir, privPath, pubPath)
	}
	return parse(privPEM)
}

// Ephemeral returns a fresh identity that is never written to disk.
func Ephemeral() (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating keypair: %w", err)
	}
	return fromPrivate(priv)
}

func generate(keyDir, privPath, pubPath string) (*Identity, error) {
	id, err := Ephemeral()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(keyDir, 0700); err != nil {
		return nil, fmt.Errorf("creating identity dir: %w", err)
	}

	pkcs8, err := x509.MarshalPKCS8PrivateKey(id.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("marshaling private key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8})
	if err := os.WriteFile(privPath, privPEM, 0600); err != nil {
		return nil, fmt.Errorf("writing private key: %w", err)
	}

	pubLine := ssh.MarshalAuthorizedKey(id.SSHSigner.PublicKey())
	if err := os.WriteFile(pubPath, pubLine, 0644); err != nil {
		return nil, fmt.Errorf("writing public key: %w", err)
	}
	return id, nil
}

func parse(privPEM []byte) (*Identity, error) {
	block, _ := pem.Decode(privPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in private key")
	}
	rawKey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	priv, ok := rawKey.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is not ED25519")
	}
	return fromPrivate(priv)
}

func fromPrivate(priv ed25519.PrivateKey) (*Identity, error) {
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("creating SSH signer: %w", err)
	}
	static, err := crypto.NoiseKeypair(priv)
	if err != nil {
		return nil, fmt.Errorf("deriving static key: %w", err)
	}
	return &Identity{
		PrivateKey: priv,
		PublicKey:  priv.Public().(ed25519.PublicKey),
		Static:     static,
		ZID:        crypto.ZenohIDFromStatic(static.Public),
		SSHSigner:  signer,
	}, nil
}
