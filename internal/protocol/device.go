// ABOUTME: Connect request parameters and the canonical device signature payload
// ABOUTME: Field order of the signed payload is fixed; gateways rebuild it to verify

package protocol

import (
	"strconv"
	"strings"
)

// SignatureVersion tags the nonce-bearing signature payload layout.
const SignatureVersion = "v2"

// payloadDelimiter separates fields of the signed payload.
const payloadDelimiter = "|"

// DeviceAuthPayload holds the fields covered by the device signature.
type DeviceAuthPayload struct {
	DeviceID   string
	ClientID   string
	ClientMode string
	Role       string
	Scopes     []string
	SignedAtMs int64
	Token      string
	Nonce      string
}

// String renders the canonical message:
//
//	v2|deviceId|clientId|clientMode|role|scope1,scope2|signedAtMs|token|nonce
func (p DeviceAuthPayload) String() string {
	return strings.Join([]string{
		SignatureVersion,
		p.DeviceID,
		p.ClientID,
		p.ClientMode,
		p.Role,
		strings.Join(p.Scopes, ","),
		strconv.FormatInt(p.SignedAtMs, 10),
		p.Token,
		p.Nonce,
	}, payloadDelimiter)
}

// ChallengePayload is the payload of the connect.challenge event.
type ChallengePayload struct {
	Nonce string `json:"nonce"`
	TS    int64  `json:"ts,omitempty"`
}

// ConnectParams are the params of the connect request.
type ConnectParams struct {
	MinProtocol int          `json:"minProtocol"`
	MaxProtocol int          `json:"maxProtocol"`
	Client      ClientInfo   `json:"client"`
	Role        string       `json:"role"`
	Scopes      []string     `json:"scopes"`
	Caps        []string     `json:"caps"`
	Auth        *ConnectAuth `json:"auth,omitempty"`
	Device      *DeviceProof `json:"device,omitempty"`
}

// ClientInfo describes the connecting client.
type ClientInfo struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"`
}

// ConnectAuth carries the optional shared secret and pairing token.
type ConnectAuth struct {
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
}

// DeviceProof is the signed device block of the connect request.
// PublicKey and Signature are base64url without padding.
type DeviceProof struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	SignedAt  int64  `json:"signedAt"`
	Nonce     string `json:"nonce"`
}

// HelloPayload is the payload of a successful connect response.
type HelloPayload struct {
	Protocol int         `json:"protocol,omitempty"`
	Server   HelloServer `json:"server"`
	Auth     *HelloAuth  `json:"auth,omitempty"`
}

// HelloServer describes the gateway that accepted the connection.
type HelloServer struct {
	Version string `json:"version,omitempty"`
	ConnID  string `json:"connId,omitempty"`
}

// HelloAuth is the grant the gateway issued for this connection.
type HelloAuth struct {
	DeviceToken string   `json:"deviceToken,omitempty"`
	Role        string   `json:"role,omitempty"`
	Scopes      []string `json:"scopes,omitempty"`
}

// ChatSendParams are the params of a chat.send request.
type ChatSendParams struct {
	SessionKey     string `json:"sessionKey"`
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotencyKey"`
	Deliver        bool   `json:"deliver"`
}
