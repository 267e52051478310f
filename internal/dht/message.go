package dht

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ssd-technologies/whisper/internal/crypto"
)

// Kind identifies a command on the wire.
type Kind uint8

const (
	KindPing Kind = iota + 1
	KindPingResponse
	KindMessage
	KindMessageResponse
	KindRetrieveContacts
	KindRetrieveContactsResponse
	KindKeyRequest
	KindKeyResponse
)

var kindNames = map[Kind]string{
	KindPing:                     "PING",
	KindPingResponse:             "PING_RESPONSE",
	KindMessage:                  "MESSAGE",
	KindMessageResponse:          "MESSAGE_RESPONSE",
	KindRetrieveContacts:         "RETRIEVE_CONTACTS",
	KindRetrieveContactsResponse: "RETRIEVE_CONTACTS_RESPONSE",
	KindKeyRequest:               "KEY_REQUEST",
	KindKeyResponse:              "KEY_RESPONSE",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

func (k Kind) MarshalText() ([]byte, error) {
	s, ok := kindNames[k]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(k))
	}
	return []byte(s), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	for kind, name := range kindNames {
		if name == string(b) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownKind, b)
}

// IsResponse reports whether k answers a pending request.
func (k Kind) IsResponse() bool {
	switch k {
	case KindPingResponse, KindMessageResponse, KindRetrieveContactsResponse, KindKeyResponse:
		return true
	}
	return false
}

// ExpectsResponse reports whether a sender waits for a reply to k.
func (k Kind) ExpectsResponse() bool {
	switch k {
	case KindPing, KindMessage, KindRetrieveContacts, KindKeyRequest:
		return true
	}
	return false
}

// Response returns the kind that answers request kind k.
func (k Kind) Response() Kind {
	if k.ExpectsResponse() {
		return k + 1
	}
	return 0
}

// Sealed reports whether k travels encrypted and signed. Pings stay in
// plaintext so a peer can be reached before its key is known.
func (k Kind) Sealed() bool {
	return k != KindPing && k != KindPingResponse
}

// Sender identifies the node that built a command. Every payload embeds it.
type Sender struct {
	ID        Key    `json:"id"`
	Username  string `json:"username"`
	IP        string `json:"ip"`
	Port      int    `json:"port"`
	PublicKey string `json:"publicKey"`
}

func (s Sender) From() Sender { return s }

// Contact converts the sender block into a routing-table contact.
func (s Sender) Contact() Contact {
	return Contact{ID: s.ID, Username: s.Username, IP: s.IP, Port: s.Port, PublicKey: s.PublicKey}
}

// Payload is the typed body of a command. The set of implementations is
// closed: one struct per Kind.
type Payload interface {
	Kind() Kind
	From() Sender
}

type PingPayload struct {
	Sender
}

type PingResponsePayload struct {
	Sender
}

// MessagePayload carries an end-to-end sealed text toward Target. Path lists
// the nodes the message already passed through, origin first.
type MessagePayload struct {
	Sender
	QueryID string           `json:"queryId"`
	Origin  Contact          `json:"origin"`
	Target  Key              `json:"target"`
	Path    []Key            `json:"path"`
	Depth   int              `json:"depth"`
	Body    *crypto.Envelope `json:"body"`
}

type MessageResponsePayload struct {
	Sender
	Delivered bool `json:"delivered"`
}

type RetrieveContactsPayload struct {
	Sender
	State *QueryState `json:"state"`
}

type RetrieveContactsResponsePayload struct {
	Sender
	State *QueryState `json:"state"`
}

// KeyRequestPayload asks for the public key of the user named Target. The
// name must not reuse a Sender JSON key, or it would shadow the sender's.
type KeyRequestPayload struct {
	Sender
	QueryID string  `json:"queryId"`
	Origin  Contact `json:"origin"`
	Target  string  `json:"target"`
	Depth   int     `json:"depth"`
}

// KeyResponsePayload answers a key request. An empty Key is the null
// answer.
type KeyResponsePayload struct {
	Sender
	Key string `json:"key"`
}

func (*PingPayload) Kind() Kind                     { return KindPing }
func (*PingResponsePayload) Kind() Kind             { return KindPingResponse }
func (*MessagePayload) Kind() Kind                  { return KindMessage }
func (*MessageResponsePayload) Kind() Kind          { return KindMessageResponse }
func (*RetrieveContactsPayload) Kind() Kind         { return KindRetrieveContacts }
func (*RetrieveContactsResponsePayload) Kind() Kind { return KindRetrieveContactsResponse }
func (*KeyRequestPayload) Kind() Kind               { return KindKeyRequest }
func (*KeyResponsePayload) Kind() Kind              { return KindKeyResponse }

func newPayload(k Kind) (Payload, error) {
	switch k {
	case KindPing:
		return &PingPayload{}, nil
	case KindPingResponse:
		return &PingResponsePayload{}, nil
	case KindMessage:
		return &MessagePayload{}, nil
	case KindMessageResponse:
		return &MessageResponsePayload{}, nil
	case KindRetrieveContacts:
		return &RetrieveContactsPayload{}, nil
	case KindRetrieveContactsResponse:
		return &RetrieveContactsResponsePayload{}, nil
	case KindKeyRequest:
		return &KeyRequestPayload{}, nil
	case KindKeyResponse:
		return &KeyResponsePayload{}, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(k))
}

// Command is one RPC unit: a request, or a response that reuses its
// request's ID.
type Command struct {
	ID          string
	Destination Contact
	Payload     Payload
}

// Kind returns the payload's kind.
func (c *Command) Kind() Kind { return c.Payload.Kind() }

// wireCommand is the JSON form of a Command. For sealed kinds Payload holds
// the base64 ciphertext as a JSON string.
type wireCommand struct {
	ID          string          `json:"id"`
	Command     Kind            `json:"command"`
	Destination Key             `json:"destination"`
	Payload     json.RawMessage `json:"payload"`
	AESParams   []byte          `json:"aesParams,omitempty"`
	Signature   []byte          `json:"signature,omitempty"`
}

// encodeCommand serializes cmd, sealing it to the destination's public key
// and signing it with priv when its kind requires.
func encodeCommand(cmd *Command, priv *rsa.PrivateKey) ([]byte, error) {
	body, err := json.Marshal(cmd.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", cmd.Kind(), err)
	}
	w := wireCommand{
		ID:          cmd.ID,
		Command:     cmd.Kind(),
		Destination: cmd.Destination.ID,
		Payload:     body,
	}
	if cmd.Kind().Sealed() {
		if cmd.Destination.PublicKey == "" {
			return nil, fmt.Errorf("%w: %s", ErrNoPublicKey, cmd.Destination.ID.Short())
		}
		pub, err := crypto.ParsePublicKey(cmd.Destination.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("destination key: %w", err)
		}
		env, err := crypto.Seal(body, pub, priv)
		if err != nil {
			return nil, fmt.Errorf("seal %s: %w", cmd.Kind(), err)
		}
		w.Payload, err = json.Marshal(env.Payload)
		if err != nil {
			return nil, err
		}
		w.AESParams = env.AESParams
		w.Signature = env.Signature
	}
	return json.Marshal(w)
}

// keyLookup returns a locally trusted public key for id, or "".
type keyLookup func(id Key) string

// decodeCommand parses a frame, opening and verifying sealed kinds. The
// signature is checked against the key this node already holds for the
// sender, falling back to the key the sender presents.
func decodeCommand(data []byte, priv *rsa.PrivateKey, lookup keyLookup) (*Command, error) {
	var w wireCommand
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("unmarshal command: %w", err)
	}
	payload, err := newPayload(w.Command)
	if err != nil {
		return nil, err
	}

	body := []byte(w.Payload)
	var env *crypto.Envelope
	if w.Command.Sealed() {
		env = &crypto.Envelope{AESParams: w.AESParams, Signature: w.Signature}
		if err := json.Unmarshal(w.Payload, &env.Payload); err != nil {
			return nil, fmt.Errorf("sealed payload: %w", err)
		}
		body, err = crypto.Open(env, priv)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", w.Command, err)
		}
	}
	if err := json.Unmarshal(body, payload); err != nil {
		return nil, fmt.Errorf("unmarshal %s payload: %w", w.Command, err)
	}

	from := payload.From()
	if from.ID != KeyFromUsername(from.Username) {
		return nil, fmt.Errorf("%w: sender id does not match username %q", ErrVerify, from.Username)
	}
	if env != nil {
		keyStr := ""
		if lookup != nil {
			keyStr = lookup(from.ID)
		}
		if keyStr == "" {
			keyStr = from.PublicKey
		}
		pub, err := crypto.ParsePublicKey(keyStr)
		if err != nil {
			return nil, fmt.Errorf("%w: sender key: %v", ErrVerify, err)
		}
		if !crypto.Verify(env, pub) {
			return nil, fmt.Errorf("%w: bad signature on %s from %s", ErrVerify, w.Command, from.Username)
		}
	}

	return &Command{
		ID:          w.ID,
		Destination: Contact{ID: w.Destination},
		Payload:     payload,
	}, nil
}

// Sentinel errors returned by the overlay.
var (
	ErrTimeout     = errors.New("dht: response timeout")
	ErrClosed      = errors.New("dht: node closed")
	ErrNoPublicKey = errors.New("dht: no public key for destination")
	ErrKeyNotFound = errors.New("dht: public key not found")
	ErrNoConsensus = errors.New("dht: no consensus on public key")
	ErrVerify      = errors.New("dht: verification failed")
	ErrUnknownKind = errors.New("dht: unknown command kind")
	ErrNoRoute     = errors.New("dht: no route to destination")
	ErrSelfContact = errors.New("dht: contact is the local node")
	ErrUnreachable = errors.New("dht: peer unreachable")
)
