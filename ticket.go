package ninvfs

import (
	"bytes"
	"fmt"
	"io"

	"github.com/connesc/ninvfs/crypt"
	"github.com/connesc/ninvfs/ctrutil"
)

// Ticket holds a parsed ticket, including its encrypted titlekey.
type Ticket struct {
	Issuer         string
	TicketID       Hex64
	ConsoleID      Hex32
	TitleID        Hex64
	CommonKeyIndex uint8
	TitleKey       Hex

	// Raw is the whole signed ticket, exposed as its own file by the
	// container mounts.
	Raw []byte `json:"-"`
}

// ParseTicket reads a ticket. The titlekey is kept encrypted: use
// DecryptTitleKey with an engine carrying the common keys.
func ParseTicket(input io.Reader) (*Ticket, error) {
	reader := ctrutil.NewReader(input)

	sigType := make([]byte, 4)
	if _, err := io.ReadFull(reader, sigType); err != nil {
		return nil, fmt.Errorf("ticket: failed to read signature type: %w", err)
	}

	sig, ok := signatureSizes[ctrutil.BE32(sigType, 0)]
	if !ok {
		return nil, &InvalidHeaderError{
			Format: "ticket",
			Reason: fmt.Sprintf("unknown signature type 0x%08X", ctrutil.BE32(sigType, 0)),
		}
	}

	data := make([]byte, sig.Size+sig.Padding+0x210)
	if _, err := io.ReadFull(reader, data); err != nil {
		return nil, fmt.Errorf("ticket: failed to read ticket: %w", err)
	}

	body := data[sig.Size+sig.Padding:]

	raw := make([]byte, 0, 4+len(data))
	raw = append(raw, sigType...)
	raw = append(raw, data...)

	return &Ticket{
		Issuer:         string(bytes.TrimRight(body[:0x40], "\x00")),
		TicketID:       Hex64(ctrutil.BE64(body, 0x90)),
		ConsoleID:      Hex32(ctrutil.BE32(body, 0x98)),
		TitleID:        Hex64(ctrutil.BE64(body, 0x9C)),
		CommonKeyIndex: body[0xB1],
		TitleKey:       Hex(append([]byte(nil), body[0x7F:0x8F]...)),
		Raw:            raw,
	}, nil
}

// DecryptTitleKey unwraps the titlekey with the ticket's common key index.
func (t *Ticket) DecryptTitleKey(engine *crypt.Engine) ([]byte, error) {
	key, err := engine.DecryptTitlekey([]byte(t.TitleKey), int(t.CommonKeyIndex), uint64(t.TitleID))
	if err != nil {
		return nil, fmt.Errorf("ticket: failed to decrypt titlekey: %w", err)
	}
	return key, nil
}
