package mesh

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/bits"
	"strings"
	"time"

	"fiatjaf.com/nostr"
	"fiatjaf.com/nostr/nip44"
	"github.com/google/uuid"
)

const (
	encIdentity = "identity"
	encRatchet  = "ratchet"
)

// messagePayload is the plaintext carried inside a message event.
type messagePayload struct {
	Title   string                 `json:"title,omitempty"`
	Content string                 `json:"content"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
}

func encryptFor(sk nostr.SecretKey, target nostr.PubKey, plaintext string) (string, error) {
	ck, err := nip44.GenerateConversationKey(target, sk)
	if err != nil {
		return "", err
	}
	return nip44.Encrypt(plaintext, ck)
}

func decryptFrom(sk nostr.SecretKey, sender nostr.PubKey, ciphertext string) (string, error) {
	ck, err := nip44.GenerateConversationKey(sender, sk)
	if err != nil {
		return "", err
	}
	return nip44.Decrypt(ciphertext, ck)
}

func sealPayload(sk nostr.SecretKey, target nostr.PubKey, p messagePayload) (string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return encryptFor(sk, target, string(body))
}

func openPayload(sk nostr.SecretKey, sender nostr.PubKey, ciphertext string) (messagePayload, error) {
	var p messagePayload
	plaintext, err := decryptFrom(sk, sender, strings.TrimSpace(ciphertext))
	if err != nil {
		return p, fmt.Errorf("decrypt payload: %w", err)
	}
	if err := json.Unmarshal([]byte(plaintext), &p); err != nil {
		return p, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}

// RatchetID derives the short identifier peers use to name a ratchet key.
func RatchetID(ratchetPubHex string) string {
	raw, err := hex.DecodeString(strings.TrimSpace(ratchetPubHex))
	if err != nil || len(raw) == 0 {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:10])
}

func newRatchet(now time.Time) ratchetRecord {
	sk := nostr.Generate()
	return ratchetRecord{
		Secret:    sk.Hex(),
		PubKey:    sk.Public().Hex(),
		CreatedAt: now,
	}
}

func parseEncTag(raw string) (scheme string, ratchetID string) {
	scheme, ratchetID, _ = strings.Cut(strings.TrimSpace(raw), ":")
	return scheme, ratchetID
}

// leadingZeroBits is the proof-of-work difficulty of an event ID.
func leadingZeroBits(id nostr.ID) int {
	total := 0
	for _, b := range id {
		if b == 0 {
			total += 8
			continue
		}
		total += bits.LeadingZeros8(b)
		break
	}
	return total
}

// ticketFromFields extracts a ticket offered by the sender of a message.
func ticketFromFields(fields map[string]interface{}) (Ticket, bool) {
	raw, ok := fields["ticket"]
	if !ok {
		return Ticket{}, false
	}
	m, ok := raw.(map[string]interface{})
	if !ok {
		return Ticket{}, false
	}
	value, _ := m["value"].(string)
	value = strings.TrimSpace(value)
	var expires int64
	switch v := m["expires"].(type) {
	case float64:
		expires = int64(v)
	case int64:
		expires = v
	case int:
		expires = int64(v)
	}
	if value == "" || expires <= 0 {
		return Ticket{}, false
	}
	return Ticket{Value: value, ExpiresAt: time.Unix(expires, 0)}, true
}

func newTicket(now time.Time, ttl time.Duration) Ticket {
	return Ticket{
		Value:     strings.ReplaceAll(uuid.NewString(), "-", ""),
		ExpiresAt: now.Add(ttl),
	}
}

func ticketField(t Ticket) map[string]interface{} {
	return map[string]interface{}{
		"value":   t.Value,
		"expires": t.ExpiresAt.Unix(),
	}
}
