package callbridge

import (
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/kindlyrobotics/ratchetclient/errs"
)

// ICEServer is the generic {urls, username, credential} shape the local
// RTCPeerConnection configuration expects, independent of Twilio's wire
// format.
type ICEServer struct {
	URLs       string `json:"urls"`
	Username   string `json:"username,omitempty"`
	Credential string `json:"credential,omitempty"`
}

// ICEProvider fetches short-lived TURN/STUN credentials from Twilio's
// Network Traversal Service, the same token endpoint the reference
// server's ICE handler wraps.
type ICEProvider struct {
	client *twilio.RestClient
	ttlSec int
}

// NewICEProvider constructs a provider authenticated with an Account SID
// and Auth Token. ttl is the token lifetime in seconds; 0 defaults to 24h.
func NewICEProvider(accountSID, authToken string, ttlSec int) *ICEProvider {
	if ttlSec <= 0 {
		ttlSec = 86400
	}
	return &ICEProvider{
		client: twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: accountSID,
			Password: authToken,
		}),
		ttlSec: ttlSec,
	}
}

// FetchICEServers requests a fresh Network Traversal Service token and
// returns its ICE server list in the generic shape above.
func (p *ICEProvider) FetchICEServers() ([]ICEServer, error) {
	ttl := p.ttlSec
	token, err := p.client.Api.CreateToken(&twilioApi.CreateTokenParams{Ttl: &ttl})
	if err != nil {
		return nil, errs.New(errs.NetworkTransient, "callbridge.FetchICEServers", err)
	}
	if token.IceServers == nil {
		return nil, nil
	}

	servers := make([]ICEServer, 0, len(*token.IceServers))
	for _, s := range *token.IceServers {
		servers = append(servers, ICEServer{
			URLs:       s.Url,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return servers, nil
}
