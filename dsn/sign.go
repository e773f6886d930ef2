package dsn

import (
	"bytes"
	"crypto"
	"fmt"

	msgauthdkim "github.com/emersion/go-msgauth/dkim"

	"github.com/mjl-/relayq/dns"
)

// Signer adds a DKIM-Signature to composed DSNs.
type Signer struct {
	Domain     dns.Domain
	Selector   string
	Key        crypto.Signer
	HeaderKeys []string // Signed header fields. If empty, go-msgauth's defaults are used.
}

// Sign returns msg prefixed with a DKIM-Signature header.
func (s *Signer) Sign(msg []byte) ([]byte, error) {
	opts := &msgauthdkim.SignOptions{
		Domain:                 s.Domain.ASCII,
		Selector:               s.Selector,
		Signer:                 s.Key,
		HeaderCanonicalization: msgauthdkim.CanonicalizationRelaxed,
		BodyCanonicalization:   msgauthdkim.CanonicalizationRelaxed,
		HeaderKeys:             s.HeaderKeys,
	}
	var signed bytes.Buffer
	if err := msgauthdkim.Sign(&signed, bytes.NewReader(msg), opts); err != nil {
		return nil, fmt.Errorf("dkim sign: %w", err)
	}
	return signed.Bytes(), nil
}
