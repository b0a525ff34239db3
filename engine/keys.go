package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ruteri/vless-provisioning-backend/interfaces"
	"golang.org/x/crypto/curve25519"
)

// ErrInvalidKey is returned for keys that do not decode to 32 bytes.
var ErrInvalidKey = errors.New("invalid x25519 key")

// Labels printed by `xray x25519`. Current releases print PrivateKey and
// Password (the public key); older ones print "Private key" and "Public key".
var (
	privateKeyLabels = []string{"PrivateKey", "Private key"}
	publicKeyLabels  = []string{"Password", "Public key"}
)

// KeyProvisioner obtains Reality key pairs from the engine binary.
type KeyProvisioner struct {
	runner Runner
	log    *slog.Logger
}

// NewKeyProvisioner creates a provisioner that runs the engine as a subprocess.
func NewKeyProvisioner(log *slog.Logger) *KeyProvisioner {
	return NewKeyProvisionerWithRunner(execRunner{}, log)
}

// NewKeyProvisionerWithRunner creates a provisioner with a custom command runner.
func NewKeyProvisionerWithRunner(runner Runner, log *slog.Logger) *KeyProvisioner {
	return &KeyProvisioner{runner: runner, log: log}
}

// GenerateKeys runs `<enginePath> x25519` and parses the key pair from its
// output. A failed command yields ErrKeyGeneration, unparseable output yields
// ErrKeyParse; both carry the captured output in an *interfaces.OutputError.
func (k *KeyProvisioner) GenerateKeys(ctx context.Context, enginePath string) (interfaces.KeyPair, error) {
	k.log.Info("Generating Reality keys", "engine", enginePath)

	out, err := k.runner.CombinedOutput(ctx, enginePath, "x25519")
	if err != nil {
		k.log.Error("Key generation command failed", "err", err, "output", string(out))
		return interfaces.KeyPair{}, &interfaces.OutputError{
			Kind:   interfaces.ErrKeyGeneration,
			Output: string(out),
			Err:    err,
		}
	}

	keys, err := ParseKeys(string(out))
	if err != nil {
		k.log.Error("Could not parse key generation output", "output", string(out))
		return interfaces.KeyPair{}, err
	}

	k.log.Info("Reality keys generated",
		slog.String("privateKey", redact(keys.PrivateKey)),
		slog.String("publicKey", redact(keys.PublicKey)))

	return keys, nil
}

// ParseKeys extracts the key pair from `xray x25519` output.
func ParseKeys(output string) (interfaces.KeyPair, error) {
	privateKey := findLabeled(output, privateKeyLabels)
	publicKey := findLabeled(output, publicKeyLabels)

	if privateKey == "" || publicKey == "" {
		var missing []string
		if privateKey == "" {
			missing = append(missing, privateKeyLabels[0])
		}
		if publicKey == "" {
			missing = append(missing, publicKeyLabels[0])
		}
		return interfaces.KeyPair{}, &interfaces.OutputError{
			Kind:   interfaces.ErrKeyParse,
			Output: output,
			Err:    fmt.Errorf("missing %s line", strings.Join(missing, " and ")),
		}
	}

	return interfaces.KeyPair{PrivateKey: privateKey, PublicKey: publicKey}, nil
}

func findLabeled(output string, labels []string) string {
	for _, line := range strings.Split(output, "\n") {
		label, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		label = strings.TrimSpace(label)
		for _, want := range labels {
			if strings.EqualFold(label, want) {
				if v := strings.TrimSpace(value); v != "" {
					return v
				}
			}
		}
	}
	return ""
}

// DecodeKey decodes an x25519 key in the URL-safe unpadded base64 form the
// engine uses, falling back to the standard alphabets.
func DecodeKey(s string) ([]byte, error) {
	if s == "" {
		return nil, ErrInvalidKey
	}
	for _, enc := range []*base64.Encoding{
		base64.RawURLEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.StdEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil && len(b) == curve25519.ScalarSize {
			return b, nil
		}
	}
	return nil, ErrInvalidKey
}

// ValidateKey checks that s is a well-formed x25519 key.
func ValidateKey(s string) error {
	_, err := DecodeKey(s)
	return err
}

// DerivePublicKey computes the public half of a Reality private key.
func DerivePublicKey(privateKey string) (string, error) {
	priv, err := DecodeKey(privateKey)
	if err != nil {
		return "", err
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return base64.RawURLEncoding.EncodeToString(pub), nil
}

func redact(key string) string {
	if len(key) <= 8 {
		return "***"
	}
	return key[:8] + "..."
}
