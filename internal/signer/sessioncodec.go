package signer

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// SessionKeySize is the size of the shared pairing key.
const SessionKeySize = 32

// sealVersion is the first byte of every sealed box and part of its AAD.
const sealVersion byte = 0x01

// HKDF info strings, one per direction so a challenge can never be
// replayed as a response.
var (
	hkdfInfoChallenge = []byte("ledgerwrite.session.challenge.v1")
	hkdfInfoResponse  = []byte("ledgerwrite.session.response.v1")
)

// encMode uses Core Deterministic Encoding: the same challenge always
// produces the same bytes before sealing.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("signer: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("signer: CBOR decoder initialization failed: " + err.Error())
	}
}

// Challenge asks the paired signer to approve an operation set.
// Operations holds the canonical JSON of the ledger-form array.
type Challenge struct {
	RequestID         string `cbor:"request_id"`
	Username          string `cbor:"username"`
	Operations        []byte `cbor:"operations"`
	RequiredAuthority string `cbor:"required_authority"`
}

// Session response results.
const (
	ResultSigned    = "signed"
	ResultBroadcast = "broadcast"
	ResultRejected  = "rejected"
)

// SessionResponse settles a Challenge.
type SessionResponse struct {
	RequestID string          `cbor:"request_id"`
	Result    string          `cbor:"result"`
	Signed    *SignedEnvelope `cbor:"signed,omitempty"`
	Broadcast *BroadcastAck   `cbor:"broadcast,omitempty"`
	Reason    string          `cbor:"reason,omitempty"`
}

// wireFrame is what travels on the channel. The request id is in the
// clear so the receiver can route before opening; it is bound to the box
// as AAD.
type wireFrame struct {
	RequestID string `cbor:"rid"`
	Box       []byte `cbor:"box"`
}

// sealer encrypts one direction of a session.
type sealer struct {
	seal [SessionKeySize]byte
	open [SessionKeySize]byte
}

func newSealer(key [SessionKeySize]byte, sendInfo, recvInfo []byte) (*sealer, error) {
	s := &sealer{}
	if err := deriveKey(key[:], sendInfo, s.seal[:]); err != nil {
		return nil, err
	}
	if err := deriveKey(key[:], recvInfo, s.open[:]); err != nil {
		return nil, err
	}
	return s, nil
}

func deriveKey(ikm, info, out []byte) error {
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, nil, info), out); err != nil {
		return fmt.Errorf("session key derivation: %w", err)
	}
	return nil
}

// sealFrame encodes v, seals it under the send key and wraps it in a
// wireFrame:
//
//	box = [version] [nonce 24] [ciphertext+tag]
func (s *sealer) sealFrame(requestID string, v any) ([]byte, error) {
	plain, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("session frame: encode: %w", err)
	}
	aead, err := chacha20poly1305.NewX(s.seal[:])
	if err != nil {
		return nil, fmt.Errorf("session frame: cipher: %w", err)
	}
	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("session frame: nonce: %w", err)
	}
	box := make([]byte, 1+len(nonce), 1+len(nonce)+len(plain)+aead.Overhead())
	box[0] = sealVersion
	copy(box[1:], nonce[:])
	box = aead.Seal(box, nonce[:], plain, aad(requestID))
	return encMode.Marshal(wireFrame{RequestID: requestID, Box: box})
}

// openFrame reverses sealFrame with the receive key. It returns the
// request id from the frame even when opening fails, for logging.
func (s *sealer) openFrame(frame []byte, v any) (string, error) {
	var wf wireFrame
	if err := decMode.Unmarshal(frame, &wf); err != nil {
		return "", fmt.Errorf("session frame: decode: %w", err)
	}
	overhead := 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
	if len(wf.Box) < overhead {
		return wf.RequestID, fmt.Errorf("session frame: box is %d bytes, minimum is %d", len(wf.Box), overhead)
	}
	if wf.Box[0] != sealVersion {
		return wf.RequestID, fmt.Errorf("session frame: unsupported version %d", wf.Box[0])
	}
	aead, err := chacha20poly1305.NewX(s.open[:])
	if err != nil {
		return wf.RequestID, fmt.Errorf("session frame: cipher: %w", err)
	}
	nonce := wf.Box[1 : 1+chacha20poly1305.NonceSizeX]
	plain, err := aead.Open(nil, nonce, wf.Box[1+chacha20poly1305.NonceSizeX:], aad(wf.RequestID))
	if err != nil {
		return wf.RequestID, fmt.Errorf("session frame: authentication failed: %w", err)
	}
	if err := decMode.Unmarshal(plain, v); err != nil {
		return wf.RequestID, fmt.Errorf("session frame: decode payload: %w", err)
	}
	return wf.RequestID, nil
}

func aad(requestID string) []byte {
	out := make([]byte, 1+len(requestID))
	out[0] = sealVersion
	copy(out[1:], requestID)
	return out
}

// Peer is the signer-device side of a session. It opens challenges and
// seals responses; the pipeline never uses it outside tests and the
// scenario harness.
type Peer struct {
	s *sealer
}

// NewPeer returns the device side for a pairing key.
func NewPeer(key [SessionKeySize]byte) (*Peer, error) {
	s, err := newSealer(key, hkdfInfoResponse, hkdfInfoChallenge)
	if err != nil {
		return nil, err
	}
	return &Peer{s: s}, nil
}

// OpenChallenge decrypts a challenge frame.
func (p *Peer) OpenChallenge(frame []byte) (Challenge, error) {
	var c Challenge
	rid, err := p.s.openFrame(frame, &c)
	if err != nil {
		return Challenge{}, err
	}
	if rid != c.RequestID {
		return Challenge{}, fmt.Errorf("session frame: request id %q does not match payload %q", rid, c.RequestID)
	}
	return c, nil
}

// SealResponse encrypts a response frame.
func (p *Peer) SealResponse(r SessionResponse) ([]byte, error) {
	return p.s.sealFrame(r.RequestID, r)
}
