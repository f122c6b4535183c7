package mesh

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"fiatjaf.com/nostr"
	"github.com/rs/zerolog"
)

// Identity is the long-lived keypair of this agent plus its display name.
type Identity struct {
	Secret      nostr.SecretKey
	DisplayName string
}

func NewIdentity(sk nostr.SecretKey, displayName string) Identity {
	return Identity{Secret: sk, DisplayName: strings.TrimSpace(displayName)}
}

func (id Identity) Address() Address {
	return Address(id.Secret.Public().Hex())
}

// Endpoint is the local delivery destination other nodes use to reach us.
type Endpoint struct {
	Address     Address
	DisplayName string
}

func NewEndpoint(id Identity) Endpoint {
	return Endpoint{Address: id.Address(), DisplayName: id.DisplayName}
}

// LoadOrCreateIdentity reads a hex secret key from path, or generates one and
// saves it there with owner-only permissions.
func LoadOrCreateIdentity(path string, displayName string, log zerolog.Logger) (Identity, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Identity{}, fmt.Errorf("identity file path cannot be empty")
	}
	if b, err := os.ReadFile(path); err == nil {
		sk, err := nostr.SecretKeyFromHex(strings.TrimSpace(string(b)))
		if err != nil {
			return Identity{}, fmt.Errorf("identity file %s is not a hex secret key: %w", path, err)
		}
		id := NewIdentity(sk, displayName)
		log.Info().Str("address", id.Address().String()).Str("path", path).Msg("identity loaded")
		return id, nil
	} else if !os.IsNotExist(err) {
		return Identity{}, fmt.Errorf("read identity file: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return Identity{}, fmt.Errorf("create identity dir: %w", err)
		}
	}
	sk := nostr.Generate()
	if err := os.WriteFile(path, []byte(sk.Hex()), 0o600); err != nil {
		return Identity{}, fmt.Errorf("save identity file: %w", err)
	}
	id := NewIdentity(sk, displayName)
	log.Info().Str("address", id.Address().String()).Str("path", path).Msg("identity generated")
	return id, nil
}
